package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cryptosignal/internal/model"
)

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	QueueSize     int
	Workers       int
	RatePerSecond float64
	Burst         int
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMax      time.Duration
	SendTimeout   time.Duration
}

// DefaultDispatcherConfig follows Telegram's global bot limit.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:     1000,
		Workers:       1,
		RatePerSecond: 25,
		Burst:         1,
		MaxAttempts:   3,
		RetryBase:     2 * time.Second,
		RetryMax:      60 * time.Second,
		SendTimeout:   15 * time.Second,
	}
}

// Stats are cumulative delivery counters.
type Stats struct {
	Sent    uint64     `json:"sent"`
	Failed  uint64     `json:"failed"`
	Dropped uint64     `json:"dropped"`
	Skipped uint64     `json:"skipped"`
	Retried uint64     `json:"retried"`
	Queue   QueueStats `json:"queue"`
}

// Dispatcher drains the priority queue through a Sender under a global
// rate limit, retrying transient failures.
type Dispatcher struct {
	cfg        DispatcherConfig
	queue      *Queue
	sender     Sender
	recipients model.RecipientRepository
	limiter    *rate.Limiter
	log        *slog.Logger

	sent, failed, skipped, retried atomic.Uint64

	// gone holds recipients refused permanently when there is no recipient
	// repository to remember them.
	gone sync.Map

	// outstanding counts accepted tasks without a final outcome.
	outstanding atomic.Int64
	accepting   atomic.Bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	now      func() time.Time
	after    func(d time.Duration, f func()) *time.Timer
}

// NewDispatcher creates a dispatcher. recipients may be nil.
func NewDispatcher(cfg DispatcherConfig, sender Sender, recipients model.RecipientRepository, log *slog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	d := &Dispatcher{
		cfg:        cfg,
		queue:      NewQueue(cfg.QueueSize),
		sender:     sender,
		recipients: recipients,
		limiter:    rate.NewLimiter(limit, max(cfg.Burst, 1)),
		log:        log.With("component", "dispatcher"),
		now:        time.Now,
		after:      time.AfterFunc,
	}
	d.accepting.Store(true)
	return d
}

// Enqueue queues a message without blocking. It returns false when the
// recipient is inactive, the dispatcher is stopping, or backpressure
// dropped the message.
func (d *Dispatcher) Enqueue(recipient int64, text, actionRef string, priority model.Priority) bool {
	if !d.accepting.Load() {
		return false
	}
	if d.inactive(context.Background(), recipient) {
		d.skipped.Add(1)
		return false
	}

	task := model.NotificationTask{
		ID:         uuid.NewString(),
		Recipient:  recipient,
		Text:       text,
		ActionRef:  actionRef,
		Priority:   priority,
		EnqueuedAt: d.now(),
	}
	return d.push(task, true)
}

// push adds task to the queue and keeps outstanding in step. fresh is false
// for retries, which are already counted.
func (d *Dispatcher) push(task model.NotificationTask, fresh bool) bool {
	if fresh {
		d.outstanding.Add(1)
	}
	dropped := d.queue.Push(task)
	if dropped == nil {
		return true
	}
	d.outstanding.Add(-1)
	d.log.Warn("queue full, notification dropped", "task", dropped.ID,
		"recipient", dropped.Recipient, "priority", dropped.Priority.String())
	return dropped.ID != task.ID
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.log.Info("dispatcher started", "workers", d.cfg.Workers, "rate", d.cfg.RatePerSecond, "queue", d.cfg.QueueSize)
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		task, ok := d.queue.Pop(ctx)
		if !ok {
			return
		}
		// Tasks queued before an earlier one got a permanent refusal.
		if d.inactive(ctx, task.Recipient) {
			d.skipped.Add(1)
			d.finish()
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			d.finish()
			d.failed.Add(1)
			return
		}
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task model.NotificationTask) {
	task.Attempts++
	sctx := ctx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}
	err := d.sender.Send(sctx, task.Recipient, task.Text, task.ActionRef)
	switch {
	case err == nil:
		d.sent.Add(1)
		d.finish()

	case errors.Is(err, model.ErrDeliveryPermanent):
		d.failed.Add(1)
		d.finish()
		d.log.Warn("recipient unreachable, marking inactive", "recipient", task.Recipient, "error", err)
		if d.recipients == nil {
			d.gone.Store(task.Recipient, struct{}{})
		} else if merr := d.recipients.MarkInactive(ctx, task.Recipient, err.Error()); merr != nil {
			d.log.Error("mark inactive failed", "recipient", task.Recipient, "error", merr)
		}

	case ctx.Err() != nil:
		d.failed.Add(1)
		d.finish()
		d.log.Warn("delivery abandoned on shutdown", "task", task.ID, "recipient", task.Recipient)

	case task.Attempts >= d.cfg.MaxAttempts:
		d.failed.Add(1)
		d.finish()
		d.log.Error("delivery failed, giving up", "task", task.ID, "recipient", task.Recipient,
			"attempts", task.Attempts, "error", err)

	default:
		delay := d.retryDelay(task.Attempts, err)
		d.retried.Add(1)
		d.log.Info("delivery failed, retrying", "task", task.ID, "recipient", task.Recipient,
			"attempt", task.Attempts, "delay", delay, "error", err)
		d.after(delay, func() {
			if d.inactive(context.Background(), task.Recipient) {
				d.skipped.Add(1)
				d.finish()
				return
			}
			d.push(task, false)
		})
	}
}

// retryDelay is min(base*2^(n-1), max), or the channel's retry-after.
func (d *Dispatcher) retryDelay(attempt int, err error) time.Duration {
	var ra *model.RetryAfterError
	if errors.As(err, &ra) && ra.Seconds > 0 {
		return time.Duration(ra.Seconds) * time.Second
	}
	delay := float64(d.cfg.RetryBase) * math.Pow(2, float64(attempt-1))
	if d.cfg.RetryMax > 0 && delay > float64(d.cfg.RetryMax) {
		return d.cfg.RetryMax
	}
	return time.Duration(delay)
}

func (d *Dispatcher) finish() { d.outstanding.Add(-1) }

// inactive reports whether recipient refused delivery for good. Lookup
// errors count as active.
func (d *Dispatcher) inactive(ctx context.Context, recipient int64) bool {
	if d.recipients == nil {
		_, ok := d.gone.Load(recipient)
		return ok
	}
	off, err := d.recipients.IsInactive(ctx, recipient)
	if err != nil {
		d.log.Warn("recipient lookup failed", "recipient", recipient, "error", err)
		return false
	}
	return off
}

// stopGrace is how long Stop waits for workers to return once their context
// is cancelled, when the drain already used up the timeout.
const stopGrace = 50 * time.Millisecond

// Stop rejects new messages, waits up to timeout for queued and retrying
// messages to finish, then stops the workers. A worker stuck in a send that
// ignores cancellation is left behind once the timeout has passed.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	var err error
	d.stopOnce.Do(func() {
		d.accepting.Store(false)
		deadline := time.Now().Add(timeout)
		for d.outstanding.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if n := d.outstanding.Load(); n > 0 {
			err = fmt.Errorf("dispatcher drain timed out with %d messages pending", n)
		}
		d.queue.Close()
		if d.cancel != nil {
			d.cancel()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(max(time.Until(deadline), stopGrace)):
			err = errors.Join(err, errors.New("dispatcher workers still sending at shutdown"))
		}
		st := d.Stats()
		d.log.Info("dispatcher stopped", "sent", st.Sent, "failed", st.Failed,
			"dropped", st.Dropped, "skipped", st.Skipped, "retried", st.Retried)
	})
	return err
}

// Stats returns the delivery counters.
func (d *Dispatcher) Stats() Stats {
	q := d.queue.Stats()
	return Stats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: q.Dropped,
		Skipped: d.skipped.Load(),
		Retried: d.retried.Load(),
		Queue:   q,
	}
}
