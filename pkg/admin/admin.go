// Package admin exposes a pkg/kv.Store's process-wide statistics over
// HTTP, in the two third-party idioms the teacher declares as direct
// dependencies but never wires into its own tree: github.com/
// VictoriaMetrics/metrics backs a Prometheus-text /metrics endpoint, and
// github.com/rcrowley/go-metrics backs an in-process latency histogram
// reported through a periodic log line rather than a wire format, which
// is how that library is conventionally used.
//
// Nothing in pkg/kv starts a listener on its own; a Server is only
// constructed and served when the cmd/birch CLI's serve subcommand asks
// for one.
package admin

import (
	"context"
	"net/http"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	vmetrics "github.com/VictoriaMetrics/metrics"

	"github.com/birchdb/birch/internal/logging"
	"github.com/birchdb/birch/pkg/kv"
)

var log = logging.Get("admin")

const histogramSampleSize = 1028

// Server exposes store's statistics over HTTP.
type Server struct {
	store *kv.Store
	set   *vmetrics.Set

	flushLatency  gometrics.Histogram
	commitLatency gometrics.Histogram

	stopLog chan struct{}
}

// New constructs a Server bound to store. Call Handler to mount the
// /metrics endpoint, or ListenAndServe to run a standalone admin HTTP
// server.
func New(store *kv.Store) *Server {
	s := &Server{
		store:         store,
		set:           vmetrics.NewSet(),
		flushLatency:  gometrics.NewHistogram(gometrics.NewUniformSample(histogramSampleSize)),
		commitLatency: gometrics.NewHistogram(gometrics.NewUniformSample(histogramSampleSize)),
		stopLog:       make(chan struct{}),
	}
	s.registerGauges()
	return s
}

func (s *Server) registerGauges() {
	s.set.NewGauge("birch_cache_hits", func() float64 { return float64(s.store.CacheStats().Hits) })
	s.set.NewGauge("birch_cache_misses", func() float64 { return float64(s.store.CacheStats().Misses) })
	s.set.NewGauge("birch_cache_evictions", func() float64 { return float64(s.store.CacheStats().Evictions) })
	s.set.NewGauge("birch_cache_expirations", func() float64 { return float64(s.store.CacheStats().Expirations) })
	s.set.NewGauge("birch_cache_size", func() float64 { return float64(s.store.CacheStats().Size) })
	s.set.NewGauge("birch_cache_memory_bytes", func() float64 { return float64(s.store.CacheStats().MemoryBytes) })
	s.set.NewGauge("birch_batch_queue_depth", func() float64 { return float64(s.store.BatchDepth()) })
	s.set.NewGauge("birch_ops_gets", func() float64 { return float64(s.store.Stats().Gets) })
	s.set.NewGauge("birch_ops_sets", func() float64 { return float64(s.store.Stats().Sets) })
	s.set.NewGauge("birch_ops_deletes", func() float64 { return float64(s.store.Stats().Deletes) })
	s.set.NewGauge("birch_ops_errors", func() float64 { return float64(s.store.Stats().Errors) })
}

// ObserveFlush records one batch-flush's latency.
func (s *Server) ObserveFlush(d time.Duration) {
	s.flushLatency.Update(d.Nanoseconds())
}

// ObserveCommit records one transaction commit's latency.
func (s *Server) ObserveCommit(d time.Duration) {
	s.commitLatency.Update(d.Nanoseconds())
}

// TimedFlush flushes the store's coalescer and records the latency on
// the flush histogram.
func (s *Server) TimedFlush(ctx context.Context) error {
	start := time.Now()
	err := s.store.Flush(ctx)
	s.ObserveFlush(time.Since(start))
	return err
}

// TimedTransact runs fn through the store's transaction engine and
// records the latency on the commit histogram, regardless of outcome.
func (s *Server) TimedTransact(ctx context.Context, fn kv.TxFunc) error {
	start := time.Now()
	err := s.store.Transact(ctx, fn)
	s.ObserveCommit(time.Since(start))
	return err
}

// Handler returns the Prometheus-text /metrics handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.set.WritePrometheus(w)
	})
}

// ListenAndServe mounts /metrics, starts the periodic latency log loop,
// and blocks serving HTTP on addr until the listener fails.
func (s *Server) ListenAndServe(addr string, logInterval time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	go s.logLoop(logInterval)

	srv := &http.Server{Addr: addr, Handler: mux}
	log.Infof("listening on %s", addr)
	return srv.ListenAndServe()
}

func (s *Server) logLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopLog:
			return
		case <-ticker.C:
			log.Infof(
				"flush latency mean=%.2fms p99=%.2fms | commit latency mean=%.2fms p99=%.2fms",
				s.flushLatency.Mean()/1e6, s.flushLatency.Percentile(0.99)/1e6,
				s.commitLatency.Mean()/1e6, s.commitLatency.Percentile(0.99)/1e6,
			)
		}
	}
}

// Close stops the periodic log loop. ListenAndServe's HTTP listener is
// left running; callers that started one manage its shutdown themselves.
func (s *Server) Close() {
	close(s.stopLog)
}
