// Package coordinator implements the training-fleet coordinator: the single
// process that tracks worker liveness, addresses dataset shards through a
// consistent-hash ring, runs epoch barriers, indexes checkpoint metadata and
// serves both the worker RPC surface and the operator read API.
//
// # Architecture
//
//	              ┌──────────────────────────┐
//	              │        Coordinator       │
//	              │                          │
//	              │  WorkerRegistry + sweep  │
//	              │  DatasetRegistry         │
//	              │  ring.Ring (atomic ptr)  │
//	              │  barrier.Registry        │
//	              │  checkpoint.Index        │
//	              └──────┬──────────┬────────┘
//	               /rpc/* │          │ /api/*
//	      ┌──────────────┘          └──────────────┐
//	      │ workers (register, heartbeat,          │ operators (snapshots,
//	      │ shards, barriers, checkpoints)         │ tasks, logs, metrics)
//
// # Shared-state discipline
//
// The registries use plain maps behind RWMutexes with short critical
// sections. The shard ring is an immutable snapshot behind an atomic
// pointer: every mutation of the live-worker set publishes a complete new
// ring, so lookups are lock-free and never observe a partial rebuild. Each
// barrier owns its own lock; releases never take a global lock. The
// checkpoint index serializes its mutations behind one writer mutex.
//
// # Liveness
//
// The sweeper ticks once per sweep_interval, fails every worker silent past
// heartbeat_timeout, rebuilds the ring once for the whole batch, and aborts
// any gathering barrier that counted a failed worker among its arrivals.
// Failed records linger in quarantine so re-registration is detectable,
// then disappear.
package coordinator
