package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDashboardCounters(t *testing.T) {
	d := NewDashboard()

	d.RecordDownload("docker")
	d.RecordDownload("docker")
	d.RecordUpload("maven")
	d.RecordDownload("nonexistent") // silently ignored

	s := d.Snapshot()
	assert.Equal(t, int64(2), s.Downloads["docker"])
	assert.Equal(t, int64(1), s.Uploads["maven"])
	assert.Equal(t, int64(0), s.Downloads["npm"])
}

func TestDashboardHitRate(t *testing.T) {
	d := NewDashboard()
	assert.Equal(t, 0.0, d.Snapshot().HitRate)

	d.RecordCacheHit()
	d.RecordCacheHit()
	d.RecordCacheHit()
	d.RecordCacheMiss()

	s := d.Snapshot()
	assert.Equal(t, int64(3), s.CacheHits)
	assert.Equal(t, int64(1), s.CacheMisses)
	assert.InDelta(t, 75.0, s.HitRate, 0.01)
}

func TestDashboardConcurrent(t *testing.T) {
	d := NewDashboard()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.RecordDownload("docker")
				d.RecordCacheHit()
			}
		}()
	}
	wg.Wait()

	s := d.Snapshot()
	assert.Equal(t, int64(1000), s.Downloads["docker"])
	assert.Equal(t, int64(1000), s.CacheHits)
}

func TestRegistryForPath(t *testing.T) {
	cases := map[string]string{
		"/v2/app/manifests/latest": "docker",
		"/maven2/org/x/x.jar":      "maven",
		"/npm/express":             "npm",
		"/cargo/api/v1/crates/s":   "cargo",
		"/simple/flask/":           "pypi",
		"/raw/files/a.txt":         "raw",
		"/health":                  "other",
	}
	for path, want := range cases {
		assert.Equal(t, want, RegistryForPath(path), path)
	}
}
