package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/devitway/nora/internal/metrics"
	"github.com/devitway/nora/pkg/config"
)

// maxBodySize is the global request body cap. The raw adapter applies
// its own, smaller, configured cap on top.
const maxBodySize = 100 << 20

func bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxBodySize {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// requestID honors an inbound X-Request-ID and assigns one otherwise.
// The id is echoed on every response for correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(metrics.RegistryForPath(r.URL.Path), r.Method, rec.status, time.Since(start))
	})
}

// ipLimiters is one token bucket per client address.
type ipLimiters struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newIPLimiters(rps float64, burst int) *ipLimiters {
	return &ipLimiters{
		m:     make(map[string]*rate.Limiter),
		rps:   rate.Limit(rps),
		burst: burst,
	}
}

func (l *ipLimiters) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	l.mu.Lock()
	limiter, ok := l.m[host]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.m[host] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// unlimitedPath reports whether a path is served without rate
// limiting. Health probes, metrics scrapes and the dashboard must
// stay reachable while registry traffic is being throttled.
func unlimitedPath(path string) bool {
	switch path {
	case "/health", "/ready", "/metrics":
		return true
	}
	return strings.HasPrefix(path, "/api/ui/")
}

// rateLimit applies one of three buckets per request: a tight one for
// credential endpoints, a wide one for uploads, and a general one for
// everything else. Operational endpoints bypass the buckets entirely.
func rateLimit(cfg config.RateLimitConfig, next http.Handler) http.Handler {
	authBucket := newIPLimiters(cfg.AuthRPS, cfg.AuthBurst)
	uploadBucket := newIPLimiters(cfg.UploadRPS, cfg.UploadBurst)
	generalBucket := newIPLimiters(cfg.GeneralRPS, cfg.GeneralBurst)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unlimitedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		bucket := generalBucket
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/tokens"):
			bucket = authBucket
		case r.Method == http.MethodPut || r.Method == http.MethodPost || r.Method == http.MethodPatch:
			bucket = uploadBucket
		}
		if !bucket.allow(r.RemoteAddr) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
