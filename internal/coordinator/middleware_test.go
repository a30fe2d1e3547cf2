package coordinator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidatorWorkerID(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"plain", "worker-1", true},
		{"underscores", "gpu_node_0", true},
		{"max length", strings.Repeat("a", 128), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 129), false},
		{"slash", "worker/1", false},
		{"dot", "node.local", false},
		{"html", "worker<script>", false},
		{"space", "worker 1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.WorkerID(tt.id)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidatorDatasetID(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.DatasetID("imagenet-train"))
	assert.NoError(t, v.DatasetID("ds.v2"))
	assert.Error(t, v.DatasetID(""))
	assert.Error(t, v.DatasetID("data set"))
	assert.Error(t, v.DatasetID(strings.Repeat("x", 257)))
}

func TestValidatorPath(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.Path("/data/training"))
	assert.NoError(t, v.Path("s3://bucket/key"))
	assert.NoError(t, v.Path(""))

	assert.Error(t, v.Path("/data/../etc/passwd"))
	assert.Error(t, v.Path("/data/file\x00.txt"))
	assert.Error(t, v.Path(strings.Repeat("p", 4097)))
}

func TestValidatorBounds(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.Port(1))
	assert.NoError(t, v.Port(65535))
	assert.Error(t, v.Port(0))
	assert.Error(t, v.Port(70000))

	assert.Error(t, v.ShortString("host", strings.Repeat("h", 1025)))
	assert.NoError(t, v.ShortString("host", strings.Repeat("h", 1024)))
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(32, 64)

	// The documented burst passes, then the bucket is dry.
	allowed := 0
	for i := 0; i < 200; i++ {
		if rl.Allow("10.0.0.1") {
			allowed++
		}
	}
	// A refill token or two can sneak in while the loop runs.
	assert.GreaterOrEqual(t, allowed, 64)
	assert.Less(t, allowed, 70)
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	assert.True(t, rl.Allow("client-a"))
	assert.True(t, rl.Allow("client-a"))
	assert.False(t, rl.Allow("client-a"))

	// A different source address has its own bucket.
	assert.True(t, rl.Allow("client-b"))
}

func TestRequestMetrics(t *testing.T) {
	m := NewRequestMetrics()

	m.Record("register", 1*time.Millisecond, false)
	m.Record("register", 2*time.Millisecond, false)
	m.Record("register", 3*time.Millisecond, true)

	summary := m.Summary()
	stats, ok := summary["register"]
	assert.True(t, ok)
	assert.Equal(t, uint64(3), stats.Requests)
	assert.Equal(t, uint64(1), stats.Errors)

	assert.Equal(t, uint64(3), m.TotalRequests())
	assert.Equal(t, 3*time.Millisecond, m.P99("register"))
	assert.Equal(t, time.Duration(0), m.P99("never-called"))
}

func TestRequestMetricsSampleBound(t *testing.T) {
	m := NewRequestMetrics()
	for i := 0; i < 2*maxLatencySamples; i++ {
		m.Record("hot", time.Duration(i)*time.Microsecond, false)
	}
	assert.Equal(t, uint64(2*maxLatencySamples), m.Summary()["hot"].Requests)
	// The sample window stays bounded and reflects the most recent entries.
	assert.GreaterOrEqual(t, m.P99("hot"), time.Duration(maxLatencySamples)*time.Microsecond)
}
