// Package dispatch delivers blasts: ordered batches of personalized messages
// sent one at a time through the shared engine with randomized pacing.
//
// Batches never interleave. Submit appends to a FIFO queue drained by a single
// worker, so two operators blasting at once are served in arrival order.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Errors.
var (
	ErrInvalidDestination = fmt.Errorf("invalid destination")
	ErrQueueFull          = fmt.Errorf("blast queue is full")
	ErrDispatcherClosed   = fmt.Errorf("dispatcher is closed")
)

// Sender delivers a single text message. channels.Engine satisfies it.
type Sender interface {
	SendText(ctx context.Context, destination, text string) error
}

// Reporter receives batch progress. Calls arrive from the worker goroutine in
// processing order and must not block for long.
type Reporter interface {
	// Log broadcasts a human log line to every authenticated connection.
	Log(line string)
	// Sent broadcasts a per-target success carrying the target id.
	Sent(id json.RawMessage)
	// Notify sends a line to the requester only.
	Notify(requester, line string)
	// Finished acknowledges batch completion to the requester only.
	Finished(requester string)
}

// Config configures pacing and queueing.
type Config struct {
	MinDelay    time.Duration `yaml:"min_delay" split_words:"true"`
	MaxDelay    time.Duration `yaml:"max_delay" split_words:"true"`
	CountryCode string        `yaml:"country_code" split_words:"true"`
	QueueSize   int           `yaml:"queue_size" split_words:"true"`
	SendTimeout time.Duration `yaml:"send_timeout" split_words:"true"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinDelay:    3 * time.Second,
		MaxDelay:    7 * time.Second,
		CountryCode: DefaultCountryCode,
		QueueSize:   16,
	}
}

// Batch is one blast request.
type Batch struct {
	ID            string
	Requester     string
	RequesterName string
	Targets       []Target
	Submitted     time.Time
}

// Result summarizes a finished batch.
type Result struct {
	BatchID string
	Sent    int
	Failed  int
}

// Dispatcher owns the batch queue and its single worker.
type Dispatcher struct {
	cfg      Config
	sender   Sender
	reporter Reporter
	logger   *slog.Logger

	queue chan *Batch

	mu      sync.Mutex
	pending int
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	active atomic.Pointer[Batch]

	// delay picks the pause before the next target; sleep waits it out.
	// Both are replaced in tests.
	delay func() time.Duration
	sleep func(ctx context.Context, d time.Duration) error

	// onDone is called after each batch; used by tests and status reporting.
	onDone func(Result)
}

// New creates a dispatcher. Call Start to run the worker.
func New(cfg Config, sender Sender, reporter Reporter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = defaults.CountryCode
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}

	d := &Dispatcher{
		cfg:      cfg,
		sender:   sender,
		reporter: reporter,
		logger:   logger.With("component", "dispatch"),
		queue:    make(chan *Batch, cfg.QueueSize),
		sleep:    sleepCtx,
	}
	d.delay = d.randomDelay
	return d
}

// Start launches the worker. It stops when ctx is cancelled or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil || d.closed {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(runCtx)
	d.logger.Info("dispatcher started", "queue_size", d.cfg.QueueSize)
}

// Close stops accepting batches, cancels the running one at its next
// suspension point and waits for the worker to exit.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

// Submit queues a batch. It returns how many batches are ahead of it; 0 means
// it starts right away.
func (d *Dispatcher) Submit(b Batch) (int, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Submitted.IsZero() {
		b.Submitted = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrDispatcherClosed
	}
	ahead := d.pending
	select {
	case d.queue <- &b:
	default:
		d.logger.Warn("blast rejected, queue full", "requester", b.RequesterName, "pending", d.pending)
		return 0, ErrQueueFull
	}
	d.pending++
	d.logger.Info("blast queued",
		"batch", b.ID,
		"requester", b.RequesterName,
		"targets", len(b.Targets),
		"ahead", ahead)
	return ahead, nil
}

// Pending returns the number of queued or running batches.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Active returns the batch currently sending, or nil.
func (d *Dispatcher) Active() *Batch {
	return d.active.Load()
}

// DropQueued discards every batch still waiting behind the running one.
// Each requester is told and receives its completion ack. It returns the
// number of batches dropped; the running batch is not touched.
func (d *Dispatcher) DropQueued() int {
	n := 0
	for {
		select {
		case b := <-d.queue:
			d.drop(b, "reset")
			d.reporter.Notify(b.Requester, "⚠️ Your queued blast was cancelled by a system reset.")
			d.reporter.Finished(b.Requester)
			n++
		default:
			return n
		}
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case b := <-d.queue:
			if ctx.Err() != nil {
				d.drop(b, "shutdown")
				d.drain()
				return
			}
			d.active.Store(b)
			res := d.process(ctx, b)
			d.active.Store(nil)

			d.mu.Lock()
			d.pending--
			d.mu.Unlock()

			if d.onDone != nil {
				d.onDone(res)
			}
		}
	}
}

// drain discards batches still waiting when the worker stops.
func (d *Dispatcher) drain() {
	for {
		select {
		case b := <-d.queue:
			d.drop(b, "shutdown")
		default:
			return
		}
	}
}

func (d *Dispatcher) drop(b *Batch, reason string) {
	d.mu.Lock()
	d.pending--
	d.mu.Unlock()
	d.logger.Info("blast dropped", "reason", reason, "batch", b.ID, "targets", len(b.Targets))
}

// process sends every target of b in order. Failures are reported and the
// batch moves on.
func (d *Dispatcher) process(ctx context.Context, b *Batch) Result {
	res := Result{BatchID: b.ID}
	logger := d.logger.With("batch", b.ID, "requester", b.RequesterName)
	start := time.Now()

	d.reporter.Log(fmt.Sprintf("🚀 %s: sending to %d targets...", b.RequesterName, len(b.Targets)))

	for i, t := range b.Targets {
		if err := d.sendOne(ctx, t); err != nil {
			res.Failed++
			logger.Warn("send failed", "target", t.Name, "error", err)
			d.reporter.Log(fmt.Sprintf("❌ Failed to %s: %v", t.Name, err))
		} else {
			res.Sent++
			d.reporter.Sent(t.ID)
			d.reporter.Log(fmt.Sprintf("✅ Sent to: %s", t.Name))
		}

		if i < len(b.Targets)-1 {
			if err := d.sleep(ctx, d.delay()); err != nil {
				logger.Info("blast cancelled", "remaining", len(b.Targets)-i-1)
				return res
			}
		}
	}

	d.reporter.Log(fmt.Sprintf("🎉 %s: blast finished.", b.RequesterName))
	d.reporter.Finished(b.Requester)
	logger.Info("blast finished",
		"sent", res.Sent,
		"failed", res.Failed,
		"duration", time.Since(start).Round(time.Millisecond))
	return res
}

func (d *Dispatcher) sendOne(ctx context.Context, t Target) error {
	dest, err := NormalizeAddress(t.Number, d.cfg.CountryCode)
	if err != nil {
		return err
	}
	text := RenderTemplate(t.Template, t.Name, t.Address)

	sendCtx := ctx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}
	return d.sender.SendText(sendCtx, dest, text)
}

// randomDelay is uniform over [MinDelay, MaxDelay] at millisecond resolution.
func (d *Dispatcher) randomDelay() time.Duration {
	span := int64((d.cfg.MaxDelay - d.cfg.MinDelay) / time.Millisecond)
	if span <= 0 {
		return d.cfg.MinDelay
	}
	return d.cfg.MinDelay + time.Duration(rand.Int64N(span+1))*time.Millisecond
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
