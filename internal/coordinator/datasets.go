package coordinator

import (
	"strings"
	"sync"
	"time"

	"github.com/flockml/flock/internal/cluster"
)

// Dataset is an immutable dataset declaration. The shard count it publishes
// bounds every subsequent shard assignment.
type Dataset struct {
	ID           string
	Path         string
	Format       string
	TotalSamples uint64
	ShardSize    uint64
	ShardCount   uint64
	Shuffle      bool
	Seed         uint64
	RegisteredAt time.Time
}

// DatasetRegistry holds declared datasets. Registration is the only
// mutation; records never change afterwards.
type DatasetRegistry struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewDatasetRegistry creates an empty dataset registry.
func NewDatasetRegistry() *DatasetRegistry {
	return &DatasetRegistry{datasets: make(map[string]*Dataset)}
}

// Register validates and stores a dataset, deriving its shard count.
// Duplicate ids are rejected whether or not the content matches.
func (r *DatasetRegistry) Register(req cluster.RegisterDatasetRequest) (Dataset, error) {
	if req.TotalSamples == 0 {
		return Dataset{}, cluster.Errorf(cluster.KindInvalid, "total_samples must be positive")
	}
	if req.ShardSize == 0 {
		return Dataset{}, cluster.Errorf(cluster.KindInvalid, "shard_size must be positive")
	}
	if req.Path == "" {
		return Dataset{}, cluster.Errorf(cluster.KindInvalid, "path must not be empty")
	}
	if strings.Contains(req.Path, "..") || strings.ContainsRune(req.Path, 0) {
		return Dataset{}, cluster.Errorf(cluster.KindInvalid, "path %q contains traversal sequences", req.Path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.datasets[req.DatasetID]; exists {
		return Dataset{}, cluster.Errorf(cluster.KindAlreadyRegistered,
			"dataset %s already registered", req.DatasetID)
	}

	ds := &Dataset{
		ID:           req.DatasetID,
		Path:         strings.TrimRight(req.Path, "/"),
		Format:       req.Format,
		TotalSamples: req.TotalSamples,
		ShardSize:    req.ShardSize,
		ShardCount:   (req.TotalSamples + req.ShardSize - 1) / req.ShardSize,
		Shuffle:      req.Shuffle,
		Seed:         req.Seed,
		RegisteredAt: time.Now(),
	}
	r.datasets[req.DatasetID] = ds
	return *ds, nil
}

// Get returns a copy of a dataset.
func (r *DatasetRegistry) Get(id string) (Dataset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ds, ok := r.datasets[id]
	if !ok {
		return Dataset{}, false
	}
	return *ds, true
}

// List returns copies of every dataset.
func (r *DatasetRegistry) List() []Dataset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Dataset, 0, len(r.datasets))
	for _, ds := range r.datasets {
		out = append(out, *ds)
	}
	return out
}
