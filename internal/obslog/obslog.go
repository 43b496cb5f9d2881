// Package obslog provides the structured logging and performance-timing
// service shared across a solve: a zap logger plus a lightweight,
// mutex-guarded performance table, with no database-backed audit trail
// (this engine persists nothing) and Prometheus counters added for the
// traversal engine's advisory numP2P/numM2L counts.
package obslog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Stats accumulates min/max/avg timing for a named event.
type Stats struct {
	Count   int64
	Total   time.Duration
	Min     time.Duration
	Max     time.Duration
	Updated time.Time
}

// Logger wraps a zap.Logger with the per-solve timing log (whitespace-
// separated "event duration" lines) and Prometheus counters.
type Logger struct {
	zl   *zap.Logger
	rank int

	mu    sync.Mutex
	stats map[string]*Stats

	timingFile *os.File

	p2p *prometheus.CounterVec
	m2l *prometheus.CounterVec
}

// New builds a Logger for the given rank. When development is true the
// logger uses zap's human-readable console encoder; otherwise JSON.
func New(rank int, development bool) (*Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	zl, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	zl = zl.With(zap.Int("rank", rank))

	return &Logger{
		zl:    zl,
		rank:  rank,
		stats: make(map[string]*Stats),
		p2p: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fmm_p2p_interactions_total",
			Help: "Number of particle-to-particle interactions evaluated.",
		}, []string{"rank"}),
		m2l: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fmm_m2l_interactions_total",
			Help: "Number of multipole-to-local interactions evaluated.",
		}, []string{"rank"}),
	}, nil
}

// Register adds this Logger's Prometheus collectors to reg. Safe to call
// once per process; a cmd-level metrics endpoint owns the registry.
func (l *Logger) Register(reg prometheus.Registerer) error {
	if err := reg.Register(l.p2p); err != nil {
		return err
	}
	return reg.Register(l.m2l)
}

// CountP2P and CountM2L track the traversal engine's advisory
// interaction counters.
func (l *Logger) CountP2P(n int) {
	l.p2p.WithLabelValues(fmt.Sprintf("%d", l.rank)).Add(float64(n))
}

func (l *Logger) CountM2L(n int) {
	l.m2l.WithLabelValues(fmt.Sprintf("%d", l.rank)).Add(float64(n))
}

// Time runs fn, logs its duration at debug level tagged with event, tracks
// it in the in-memory performance table, and appends an "event duration"
// line to the timing log if one was opened with SetTimingFile.
func (l *Logger) Time(event string, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)

	l.zl.Debug("timed event", zap.String("event", event), zap.Duration("duration", d))
	l.track(event, d)

	if l.timingFile != nil {
		fmt.Fprintf(l.timingFile, "%s %f\n", event, d.Seconds())
	}
	return d
}

// SetTimingFile opens (or replaces) the whitespace-separated timing log.
func (l *Logger) SetTimingFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open timing log: %w", err)
	}
	l.timingFile = f
	return nil
}

func (l *Logger) track(event string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.stats[event]
	if !ok {
		s = &Stats{Min: d, Max: d}
		l.stats[event] = s
	}
	s.Count++
	s.Total += d
	if d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Updated = time.Now()
}

// Stats returns a snapshot of all tracked event timings.
func (l *Logger) Stats() map[string]Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Stats, len(l.stats))
	for k, v := range l.stats {
		out[k] = *v
	}
	return out
}

// Info, Warn, Error forward to the underlying zap logger, prefixed
// with this Logger's rank field.
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zl.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zl.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zl.Error(msg, fields...) }

// Abort logs msg at error level with the rank number and then panics with
// err, which the orchestrator's top-level recover turns into a
// ClassInvariant error returned from Solve.
func (l *Logger) Abort(msg string, err error) {
	l.zl.Error(msg, zap.Int("rank", l.rank), zap.Error(err))
	panic(err)
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}
