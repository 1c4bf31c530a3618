package sink

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Sink delivers a notification to an external system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n domain.Notification) error
}

// Config tunes the dispatcher worker pool.
type Config struct {
	Workers        int
	Buffer         int
	DeliverTimeout time.Duration
	HandoffTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
}

// DefaultConfig is used for zero fields of a Config.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		Buffer:         1024,
		DeliverTimeout: 10 * time.Second,
		HandoffTimeout: 25 * time.Millisecond,
		RetryInitial:   250 * time.Millisecond,
		RetryMax:       30 * time.Second,
		MaxAttempts:    5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Buffer <= 0 {
		c.Buffer = c.Workers * 2
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = def.DeliverTimeout
	}
	if c.HandoffTimeout < 0 {
		c.HandoffTimeout = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

// ErrSaturated is returned when the work buffer stays full for the handoff timeout.
var ErrSaturated = errors.New("notification dispatcher is saturated")

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("notification dispatcher is closed")

// SubscriberID is the notifier subscription used by Attach.
const SubscriberID = "sink-dispatcher"

type job struct {
	note    domain.Notification
	sink    Sink
	attempt int
}

// Dispatcher fans notifications out to sinks from a bounded worker pool so
// slow external systems never stall the store operation that raised them.
type Dispatcher struct {
	cfg    Config
	sinks  []Sink
	logger *log.Logger

	workCh   chan *job
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu      sync.Mutex
	closing bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	started   time.Time
}

// NewDispatcher starts cfg.Workers workers delivering to sinks.
func NewDispatcher(cfg Config, logger *log.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:     cfg,
		sinks:   sinks,
		logger:  logger,
		workCh:  make(chan *job, cfg.Buffer),
		stopCh:  make(chan struct{}),
		started: time.Now().UTC(),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.workerWG.Add(1)
		go d.worker(i)
	}
	logger.Infof("notification dispatcher started, sinks: %d, workers: %d, buffer: %d, handoff: %v", len(sinks), cfg.Workers, cfg.Buffer, cfg.HandoffTimeout)
	return d
}

// Attach subscribes the dispatcher to n.
func (d *Dispatcher) Attach(n *domain.Notifier) {
	n.Subscribe(SubscriberID, d.Handle)
}

// Handle is the notifier callback. Notifications that cannot be handed off
// are dropped and logged.
func (d *Dispatcher) Handle(note domain.Notification) {
	if err := d.Enqueue(note); err != nil {
		d.logger.WithError(err).WithFields(log.Fields{
			"notification": note.ID,
			"task":         note.TaskID,
			"type":         note.Type,
		}).Warn("notification not dispatched")
	}
}

// Enqueue hands the notification to the workers once per sink.
func (d *Dispatcher) Enqueue(note domain.Notification) error {
	var firstErr error
	for _, s := range d.sinks {
		if err := d.dispatch(&job{note: note, sink: s}); err != nil {
			d.dropped.Add(1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *Dispatcher) dispatch(j *job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return ErrClosed
	}

	if d.cfg.HandoffTimeout <= 0 {
		select {
		case d.workCh <- j:
			return nil
		default:
			return ErrSaturated
		}
	}

	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case d.workCh <- j:
		return nil
	case <-timer.C:
		return ErrSaturated
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.workerWG.Done()
	for {
		select {
		case j := <-d.workCh:
			d.deliver(j, id)
		case <-d.stopCh:
			// Drain what was already handed off.
			for {
				select {
				case j := <-d.workCh:
					d.deliver(j, id)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(j *job, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliverTimeout)
	err := d.deliverSafe(ctx, j)
	cancel()
	if err == nil {
		d.delivered.Add(1)
		return
	}

	j.attempt++
	entry := d.logger.WithError(err).WithFields(log.Fields{
		"sink":         j.sink.Name(),
		"notification": j.note.ID,
		"attempt":      j.attempt,
		"worker":       workerID,
	})
	if j.attempt >= d.cfg.MaxAttempts {
		entry.Error("notification delivery failed, giving up")
		d.failed.Add(1)
		return
	}
	entry.Warn("notification delivery failed, retrying")
	d.scheduleRetry(j)
}

func (d *Dispatcher) deliverSafe(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("sink panicked")
		}
	}()
	return j.sink.Deliver(ctx, j.note)
}

func (d *Dispatcher) scheduleRetry(j *job) {
	select {
	case <-d.stopCh:
		d.dropped.Add(1)
		return
	default:
	}
	delay := exponentialBackoff(j.attempt, d.cfg.RetryInitial, d.cfg.RetryMax)
	d.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer d.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			// dispatch checks closing under d.mu, so a retry either lands in
			// the buffer before the workers drain it or is counted here.
			if err := d.dispatch(j); err != nil {
				d.dropped.Add(1)
				d.logger.WithError(err).WithFields(log.Fields{
					"sink":         j.sink.Name(),
					"notification": j.note.ID,
					"attempt":      j.attempt,
				}).Warn("notification retry not dispatched")
			}
		case <-d.stopCh:
			d.dropped.Add(1)
		}
	}()
}

// Shutdown stops accepting work, drains the buffer and waits for workers.
// Pending retries are abandoned and counted as dropped.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.closing = true
	close(d.stopCh)
	d.mu.Unlock()

	d.workerWG.Wait()
	d.retryWG.Wait()
}

// Stats is a point-in-time view of dispatcher throughput.
type Stats struct {
	Buffered  int       `json:"buffered"`
	Delivered uint64    `json:"delivered"`
	Dropped   uint64    `json:"dropped"`
	Failed    uint64    `json:"failed"`
	StartedAt time.Time `json:"startedAt"`
	DrainRate float64   `json:"drainRatePerSecond"`
}

// Stats reports counters since the dispatcher started.
func (d *Dispatcher) Stats() Stats {
	delivered := d.delivered.Load()
	rps := 0.0
	if elapsed := time.Since(d.started); elapsed > 0 {
		rps = float64(delivered) / elapsed.Seconds()
	}
	return Stats{
		Buffered:  len(d.workCh),
		Delivered: delivered,
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
		StartedAt: d.started,
		DrainRate: rps,
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
