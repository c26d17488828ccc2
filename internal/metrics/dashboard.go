package metrics

import "sync/atomic"

// Registries is the fixed set of registries the dashboard counters
// track.
var Registries = []string{"docker", "maven", "npm", "cargo", "pypi", "raw"}

// Dashboard holds lock-free per-registry counters backing the UI
// metrics endpoint. All methods are safe for concurrent use.
type Dashboard struct {
	downloads   map[string]*atomic.Int64
	uploads     map[string]*atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// Snapshot is a point-in-time copy of the dashboard counters.
type Snapshot struct {
	Downloads   map[string]int64 `json:"downloads"`
	Uploads     map[string]int64 `json:"uploads"`
	CacheHits   int64            `json:"cache_hits"`
	CacheMisses int64            `json:"cache_misses"`
	HitRate     float64          `json:"hit_rate"`
}

// NewDashboard creates a dashboard with zeroed counters for every
// known registry.
func NewDashboard() *Dashboard {
	d := &Dashboard{
		downloads: make(map[string]*atomic.Int64, len(Registries)),
		uploads:   make(map[string]*atomic.Int64, len(Registries)),
	}
	for _, r := range Registries {
		d.downloads[r] = &atomic.Int64{}
		d.uploads[r] = &atomic.Int64{}
	}
	return d
}

// RecordDownload increments the download counter for a registry.
func (d *Dashboard) RecordDownload(registry string) {
	if c, ok := d.downloads[registry]; ok {
		c.Add(1)
	}
}

// RecordUpload increments the upload counter for a registry.
func (d *Dashboard) RecordUpload(registry string) {
	if c, ok := d.uploads[registry]; ok {
		c.Add(1)
	}
}

// RecordCacheHit increments the global cache hit counter.
func (d *Dashboard) RecordCacheHit() {
	d.cacheHits.Add(1)
}

// RecordCacheMiss increments the global cache miss counter.
func (d *Dashboard) RecordCacheMiss() {
	d.cacheMisses.Add(1)
}

// Snapshot returns a consistent-enough copy of the counters. Values
// are read with relaxed ordering; monotonicity per counter is the only
// guarantee.
func (d *Dashboard) Snapshot() Snapshot {
	s := Snapshot{
		Downloads: make(map[string]int64, len(d.downloads)),
		Uploads:   make(map[string]int64, len(d.uploads)),
	}
	for r, c := range d.downloads {
		s.Downloads[r] = c.Load()
	}
	for r, c := range d.uploads {
		s.Uploads[r] = c.Load()
	}
	s.CacheHits = d.cacheHits.Load()
	s.CacheMisses = d.cacheMisses.Load()
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.HitRate = float64(s.CacheHits) / float64(total) * 100.0
	}
	return s
}
