package coordinator

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flockml/flock/internal/cluster"
)

// Validation limits. Inputs outside these bounds are rejected before any
// handler runs.
const (
	maxWorkerIDLen  = 128
	maxDatasetIDLen = 256
	maxPathLen      = 4096
	maxStringLen    = 1024
	maxPort         = 65535
	maxGPUCount     = 4096
)

var (
	workerIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	datasetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,256}$`)
)

// Validator rejects malformed identifiers, paths and numeric fields.
type Validator struct{}

// NewValidator creates a validator with the documented limits.
func NewValidator() *Validator {
	return &Validator{}
}

// WorkerID enforces the worker id alphabet and length.
func (v *Validator) WorkerID(id string) error {
	if !workerIDPattern.MatchString(id) {
		return cluster.Errorf(cluster.KindInvalid,
			"worker id must match [A-Za-z0-9_-]{1,%d}", maxWorkerIDLen)
	}
	return nil
}

// DatasetID enforces the dataset id alphabet and length.
func (v *Validator) DatasetID(id string) error {
	if !datasetIDPattern.MatchString(id) {
		return cluster.Errorf(cluster.KindInvalid,
			"dataset id must match [A-Za-z0-9_.-]{1,%d}", maxDatasetIDLen)
	}
	return nil
}

// BarrierName shares the dataset id alphabet.
func (v *Validator) BarrierName(name string) error {
	if !datasetIDPattern.MatchString(name) {
		return cluster.Errorf(cluster.KindInvalid, "barrier name must match [A-Za-z0-9_.-]{1,%d}", maxDatasetIDLen)
	}
	return nil
}

// Namespace shares the dataset id alphabet.
func (v *Validator) Namespace(ns string) error {
	if !datasetIDPattern.MatchString(ns) {
		return cluster.Errorf(cluster.KindInvalid, "namespace must match [A-Za-z0-9_.-]{1,%d}", maxDatasetIDLen)
	}
	return nil
}

// Path rejects traversal sequences, null bytes and oversized paths.
func (v *Validator) Path(p string) error {
	if len(p) > maxPathLen {
		return cluster.Errorf(cluster.KindInvalid, "path exceeds %d bytes", maxPathLen)
	}
	if strings.Contains(p, "..") {
		return cluster.Errorf(cluster.KindInvalid, "path traversal sequences are not allowed")
	}
	if strings.ContainsRune(p, 0) {
		return cluster.Errorf(cluster.KindInvalid, "path contains null bytes")
	}
	return nil
}

// ShortString bounds free-form string fields to 1 KiB.
func (v *Validator) ShortString(field, s string) error {
	if len(s) > maxStringLen {
		return cluster.Errorf(cluster.KindInvalid, "%s exceeds %d bytes", field, maxStringLen)
	}
	return nil
}

// Port checks the TCP port range.
func (v *Validator) Port(port int) error {
	if port < 1 || port > maxPort {
		return cluster.Errorf(cluster.KindInvalid, "port must be between 1 and %d", maxPort)
	}
	return nil
}

// Capacity bounds the declared hardware figures.
func (v *Validator) Capacity(c cluster.Capacity) error {
	if c.GPUCount < 0 || c.GPUCount > maxGPUCount {
		return cluster.Errorf(cluster.KindInvalid, "gpu_count must be between 0 and %d", maxGPUCount)
	}
	return nil
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per client address. Buckets idle for
// five minutes are dropped during the periodic cleanup.
type RateLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*clientBucket
	refill      rate.Limit
	burst       int
	lastCleanup time.Time
}

const (
	limiterCleanupEvery = time.Minute
	limiterStaleAfter   = 5 * time.Minute
)

// NewRateLimiter creates a limiter refilling at refillPerSec with the given
// burst capacity per client.
func NewRateLimiter(refillPerSec float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:     make(map[string]*clientBucket),
		refill:      rate.Limit(refillPerSec),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

// Allow consumes one token from the client's bucket, reporting false when
// the bucket is exhausted.
func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	now := time.Now()
	if now.Sub(rl.lastCleanup) > limiterCleanupEvery {
		rl.lastCleanup = now
		for id, b := range rl.buckets {
			if now.Sub(b.lastSeen) > limiterStaleAfter {
				delete(rl.buckets, id)
			}
		}
	}
	b, ok := rl.buckets[clientID]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.refill, rl.burst)}
		rl.buckets[clientID] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	return b.limiter.Allow()
}

// HandlerStats is one handler's rolled-up request metrics.
type HandlerStats struct {
	Requests uint64 `json:"requests"`
	Errors   uint64 `json:"errors"`
	P99Ms    int64  `json:"p99_ms"`
}

// RequestMetrics collects per-handler counters and bounded latency samples.
type RequestMetrics struct {
	mu        sync.Mutex
	requests  map[string]uint64
	errors    map[string]uint64
	latencies map[string][]time.Duration
}

const maxLatencySamples = 1000

// NewRequestMetrics creates an empty metrics sink.
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{
		requests:  make(map[string]uint64),
		errors:    make(map[string]uint64),
		latencies: make(map[string][]time.Duration),
	}
}

// Record counts one request and stores its latency sample.
func (m *RequestMetrics) Record(handler string, elapsed time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests[handler]++
	if failed {
		m.errors[handler]++
	}
	samples := m.latencies[handler]
	if len(samples) >= maxLatencySamples {
		copy(samples, samples[1:])
		samples = samples[:len(samples)-1]
	}
	m.latencies[handler] = append(samples, elapsed)
}

// P99 returns the 99th-percentile latency recorded for a handler, or zero
// when no samples exist.
func (m *RequestMetrics) P99(handler string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := m.latencies[handler]
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// TotalRequests sums request counts across handlers.
func (m *RequestMetrics) TotalRequests() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total uint64
	for _, n := range m.requests {
		total += n
	}
	return total
}

// Summary returns per-handler stats for the control plane.
func (m *RequestMetrics) Summary() map[string]HandlerStats {
	m.mu.Lock()
	handlers := make([]string, 0, len(m.requests))
	for h := range m.requests {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	out := make(map[string]HandlerStats, len(handlers))
	for _, h := range handlers {
		m.mu.Lock()
		reqs := m.requests[h]
		errs := m.errors[h]
		m.mu.Unlock()
		out[h] = HandlerStats{
			Requests: reqs,
			Errors:   errs,
			P99Ms:    m.P99(h).Milliseconds(),
		}
	}
	return out
}
