package httputil

import (
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/10thony/Campaignion-sub010/clientapi/auth"
	"github.com/10thony/Campaignion-sub010/ip"
	"github.com/10thony/Campaignion-sub010/setup/config"
	"github.com/10thony/Campaignion-sub010/types"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "liveserver",
			Subsystem: "clientapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "liveserver",
			Subsystem: "clientapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
	registerRateLimiterMetrics sync.Once
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits applies a token bucket per caller: an authenticated user id
// when available, the remote IP otherwise. The configured window and
// max-requests pair translates to a refill rate of max/window with burst
// capacity max.
type RateLimits struct {
	mutex       sync.Mutex
	limits      map[string]*limiterEntry
	refill      rate.Limit
	burst       int
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
	window := time.Duration(cfg.WindowMS) * time.Millisecond
	l := &RateLimits{
		limits:      make(map[string]*limiterEntry),
		refill:      rate.Limit(float64(cfg.MaxRequests) / window.Seconds()),
		burst:       cfg.MaxRequests,
		cleanupDone: make(chan struct{}),
	}
	go l.clean()
	return l
}

// clean drops limiter entries not seen for a while so idle callers do not
// accumulate forever.
func (l *RateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			l.mutex.Lock()
			for key, entry := range l.limits {
				if entry.lastSeen.Before(cutoff) {
					delete(l.limits, key)
				}
			}
			l.mutex.Unlock()
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call multiple times.
func (l *RateLimits) Stop() {
	l.stopOnce.Do(func() { close(l.cleanupDone) })
}

// Limit returns a 429 response when the caller is over budget, nil
// otherwise.
func (l *RateLimits) Limit(req *http.Request, identity *auth.Identity) *util.JSONResponse {
	endpoint := endpointLabel(req)
	caller := remoteIP(req)
	if identity != nil && identity.UserID != "" {
		caller = identity.UserID
	}

	l.mutex.Lock()
	entry, ok := l.limits[caller]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.refill, l.burst)}
		l.limits[caller] = entry
	}
	entry.lastSeen = time.Now()
	allowed := entry.limiter.Allow()
	l.mutex.Unlock()

	if !allowed {
		rateLimitRejections.WithLabelValues(endpoint).Inc()
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: types.NewError(types.ErrRateLimited, "you are sending too many requests too quickly"),
		}
	}
	rateLimitAllowed.WithLabelValues(endpoint).Inc()
	return nil
}

func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	return req.URL.Path
}

func remoteIP(req *http.Request) string {
	if req == nil {
		return "unknown"
	}
	return ip.ClientAddr(req, "")
}
