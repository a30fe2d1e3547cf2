// Package ring implements the consistent-hash shard ring that maps
// (dataset, epoch, shard index) triples onto live workers.
//
// A Ring is an immutable snapshot built from a worker set. Each worker
// contributes a fixed number of virtual tokens so that load stays even and
// membership changes move only ~1/N of the shards. Because a Ring never
// mutates, readers need no locks: the coordinator publishes fresh snapshots
// through a single atomic pointer and concurrent lookups see either the old
// ring or the new one, never a partial rebuild.
//
// The hash function and key formats are part of the protocol: FNV-1a/64 over
// "worker:index" for tokens and "dataset:epoch:shard" for lookups. Two
// coordinators holding the same live-worker set produce identical rings.
package ring

import (
	"errors"
	"hash/fnv"
	"strconv"

	"golang.org/x/exp/slices"
)

// DefaultVirtualNodes is the number of tokens each worker contributes.
// 150 keeps the per-worker shard count within a few percent of the mean for
// fleets up to the thousands.
const DefaultVirtualNodes = 150

// ErrNoWorkers is returned by Lookup when the ring holds no workers.
var ErrNoWorkers = errors.New("ring: no live workers")

// token is one virtual node: the hash position plus its owner, kept for
// deterministic collision ordering.
type token struct {
	hash   uint64
	worker string
	index  int
}

// Ring is an immutable consistent-hash snapshot over a worker set.
type Ring struct {
	tokens       []token // sorted by (hash, worker, index)
	workers      []string
	virtualNodes int
}

// Build constructs a ring over the given workers with DefaultVirtualNodes
// tokens each. Duplicate and empty ids are dropped. Building from an empty
// set is legal; lookups on the result fail with ErrNoWorkers.
func Build(workers []string) *Ring {
	return BuildWithVirtualNodes(workers, DefaultVirtualNodes)
}

// BuildWithVirtualNodes constructs a ring with an explicit token count per
// worker. Exposed for balance testing; production callers use Build.
func BuildWithVirtualNodes(workers []string, virtualNodes int) *Ring {
	unique := make([]string, 0, len(workers))
	seen := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		unique = append(unique, w)
	}
	slices.Sort(unique)

	tokens := make([]token, 0, len(unique)*virtualNodes)
	for _, w := range unique {
		for i := 0; i < virtualNodes; i++ {
			tokens = append(tokens, token{
				hash:   hash64(w + ":" + strconv.Itoa(i)),
				worker: w,
				index:  i,
			})
		}
	}
	// Hash collisions order by (worker, index) so the winner is stable
	// across rebuilds.
	slices.SortFunc(tokens, func(a, b token) int {
		switch {
		case a.hash != b.hash:
			if a.hash < b.hash {
				return -1
			}
			return 1
		case a.worker != b.worker:
			if a.worker < b.worker {
				return -1
			}
			return 1
		default:
			return a.index - b.index
		}
	})

	return &Ring{tokens: tokens, workers: unique, virtualNodes: virtualNodes}
}

// Lookup returns the worker that owns a shard of a dataset in an epoch.
// The owner is the one holding the smallest token hash at or clockwise of
// the shard key's hash, wrapping to the lowest token at the ring's end.
func (r *Ring) Lookup(datasetID string, epoch, shard uint64) (string, error) {
	if len(r.tokens) == 0 {
		return "", ErrNoWorkers
	}
	key := datasetID + ":" + strconv.FormatUint(epoch, 10) + ":" + strconv.FormatUint(shard, 10)
	h := hash64(key)

	i, _ := slices.BinarySearchFunc(r.tokens, h, func(t token, target uint64) int {
		switch {
		case t.hash < target:
			return -1
		case t.hash > target:
			return 1
		default:
			return 0
		}
	})
	if i == len(r.tokens) {
		i = 0
	}
	return r.tokens[i].worker, nil
}

// AssignAll maps every shard index in [0, shardCount) to its owner and
// groups the result per worker. Each worker's shard list is ascending.
// Workers that own nothing are absent from the map.
func (r *Ring) AssignAll(datasetID string, epoch, shardCount uint64) (map[string][]uint64, error) {
	if len(r.tokens) == 0 {
		return nil, ErrNoWorkers
	}
	out := make(map[string][]uint64, len(r.workers))
	for shard := uint64(0); shard < shardCount; shard++ {
		owner, err := r.Lookup(datasetID, epoch, shard)
		if err != nil {
			return nil, err
		}
		out[owner] = append(out[owner], shard)
	}
	return out, nil
}

// Workers returns the worker set the ring was built from, sorted.
func (r *Ring) Workers() []string {
	return slices.Clone(r.workers)
}

// Size returns the number of workers on the ring.
func (r *Ring) Size() int {
	return len(r.workers)
}

// VirtualNodes returns the per-worker token count.
func (r *Ring) VirtualNodes() int {
	return r.virtualNodes
}

func hash64(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
