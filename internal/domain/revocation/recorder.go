package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// RecorderConfig tunes the background writer.
type RecorderConfig struct {
	QueueSize     int
	WriteTimeout  time.Duration
	MaxTries      uint
	RetryInterval time.Duration
}

// DefaultRecorderConfig returns the settings used in production.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:     1024,
		WriteTimeout:  5 * time.Second,
		MaxTries:      3,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Recorder writes entries to a Log on a background goroutine. Submit never
// blocks the caller; when the queue is full the entry is dropped and counted.
type Recorder struct {
	log    Log
	logger zerolog.Logger
	cfg    RecorderConfig
	queue  chan Entry

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	recorded prometheus.Counter
	dropped  prometheus.Counter
	failed   prometheus.Counter
}

// NewRecorder starts a Recorder. Counters are registered on reg when it is
// non-nil.
func NewRecorder(log Log, logger zerolog.Logger, cfg RecorderConfig, reg prometheus.Registerer) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}

	r := &Recorder{
		log:      log,
		logger:   logger.With().Str("component", "revocation_recorder").Logger(),
		cfg:      cfg,
		queue:    make(chan Entry, cfg.QueueSize),
		recorded: newCounter("recorded_total", "Revocation entries written to the log."),
		dropped:  newCounter("dropped_total", "Revocation entries dropped because the queue was full or closed."),
		failed:   newCounter("failed_total", "Revocation entries that could not be written after retries."),
	}
	if reg != nil {
		reg.MustRegister(r.recorded, r.dropped, r.failed)
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// Submit queues e for writing.
func (r *Recorder) Submit(e Entry) {
	if err := e.Validate(); err != nil {
		r.logger.Error().Err(err).Str("tenant_id", e.TenantID).Msg("rejecting revocation entry")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Inc()
		r.logger.Warn().Str("tenant_id", e.TenantID).Msg("recorder closed, revocation entry dropped")
		return
	}

	select {
	case r.queue <- e:
	default:
		r.dropped.Inc()
		r.logger.Warn().
			Str("tenant_id", e.TenantID).
			Str("user_id", e.UserID.String()).
			Str("reason", string(e.Reason)).
			Msg("revocation queue full, entry dropped")
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		r.write(e)
	}
}

func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.log.Record(ctx, e)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.Debug().Err(err).Dur("retry_in", d).Msg("retrying revocation write")
		}),
	)
	if err != nil {
		r.failed.Inc()
		r.logger.Error().Err(err).
			Str("tenant_id", e.TenantID).
			Str("user_id", e.UserID.String()).
			Str("reason", string(e.Reason)).
			Msg("failed to record revocation")
		return
	}
	r.recorded.Inc()
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jaspr",
		Subsystem: "revocation",
		Name:      name,
		Help:      help,
	})
}
