// Package notifier handles sending notifications to subscribers.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/user/gitrelay/internal/dispatch"
	"github.com/user/gitrelay/internal/github"
	"github.com/user/gitrelay/internal/render"
	"github.com/user/gitrelay/pkg/logger"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender delivers a rendered message to one chat channel.
type Sender interface {
	Send(ctx context.Context, channelID string, msg render.Message) error
}

// Router computes delivery targets for an event.
type Router interface {
	Route(event *github.Event) ([]dispatch.Target, error)
}

// Readiness blocks until routing data is available.
type Readiness interface {
	WaitReady(ctx context.Context) error
}

// DeliveryError reports a failed delivery to a single channel.
type DeliveryError struct {
	ChannelID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Config tunes the pipeline.
type Config struct {
	Workers         int           // events processed concurrently
	QueueSize       int           // events buffered before Enqueue fails
	Fanout          int           // concurrent deliveries per event
	RatePerSec      int           // deliveries per second across all channels
	DeliveryTimeout time.Duration // per delivery
	ReadyTimeout    time.Duration // how long an event waits for the registry
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Fanout <= 0 {
		c.Fanout = 8
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 15 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	return c
}

// Notifier routes queued events and fans them out to chat channels.
// Enqueue never blocks; delivery to one channel never waits on another.
type Notifier struct {
	router  Router
	ready   Readiness
	sender  Sender
	cfg     Config
	limiter *rate.Limiter

	mu        sync.Mutex
	queue     chan *github.Event
	accepting bool
	started   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a new notifier instance.
func NewNotifier(router Router, ready Readiness, sender Sender, cfg Config) *Notifier {
	cfg = cfg.withDefaults()
	return &Notifier{
		router:    router,
		ready:     ready,
		sender:    sender,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:     make(chan *github.Event, cfg.QueueSize),
		accepting: true,
	}
}

// Enqueue schedules an event for delivery.
func (n *Notifier) Enqueue(event *github.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.accepting {
		return ErrStopped
	}
	select {
	case n.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker pool.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || !n.accepting {
		return
	}
	n.started = true

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker(runCtx)
	}
	logger.Info().Int("workers", n.cfg.Workers).Int("queue", n.cfg.QueueSize).Msg("Notifier started")
}

// Stop refuses new events and drains the queue. Deliveries still running when ctx
// expires are cancelled.
func (n *Notifier) Stop(ctx context.Context) {
	n.mu.Lock()
	if !n.accepting {
		n.mu.Unlock()
		return
	}
	n.accepting = false
	close(n.queue)
	started := n.started
	n.mu.Unlock()

	if !started {
		return
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn().Msg("Notifier drain timed out, cancelling deliveries")
		n.cancel()
		<-done
	}
	n.cancel()
	logger.Info().Msg("Notifier stopped")
}

func (n *Notifier) worker(ctx context.Context) {
	defer n.wg.Done()
	for event := range n.queue {
		n.HandleEvent(ctx, event)
	}
}

// HandleEvent routes one event and delivers it to every target. Failures are
// logged per target.
func (n *Notifier) HandleEvent(ctx context.Context, event *github.Event) {
	log := logger.With("repo", event.RepoID)

	readyCtx, cancel := context.WithTimeout(ctx, n.cfg.ReadyTimeout)
	err := n.ready.WaitReady(readyCtx)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("event", event.Key()).Msg("Dropping event, channel registry not ready")
		return
	}

	targets, err := n.router.Route(event)
	if err != nil {
		log.Error().Err(err).Str("event", event.Key()).Msg("Failed to route event")
		return
	}
	if len(targets) == 0 {
		log.Debug().Str("event", event.Key()).Msg("No channels for this event")
		return
	}

	p := pool.New().WithMaxGoroutines(n.cfg.Fanout).WithErrors()
	for _, target := range targets {
		p.Go(func() error {
			return n.deliverSafely(ctx, event, target)
		})
	}

	failed := 0
	if err := p.Wait(); err != nil {
		var de *DeliveryError
		for _, e := range flatten(err) {
			failed++
			if errors.As(e, &de) {
				log.Error().Err(de.Err).Str("channel_id", de.ChannelID).Str("event", event.Key()).Msg("Failed to deliver notification")
			} else {
				log.Error().Err(e).Str("event", event.Key()).Msg("Failed to deliver notification")
			}
		}
	}

	log.Info().
		Str("event", event.Key()).
		Str("delivery", event.DeliveryID).
		Int("targets", len(targets)).
		Int("failed", failed).
		Msg("Event dispatched")
}

// deliverSafely turns a panicking transport into an ordinary delivery error.
func (n *Notifier) deliverSafely(ctx context.Context, event *github.Event, target dispatch.Target) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = n.deliver(ctx, event, target)
	})
	if rec := pc.Recovered(); rec != nil {
		return &DeliveryError{ChannelID: target.ChannelID, Err: rec.AsError()}
	}
	return err
}

func (n *Notifier) deliver(ctx context.Context, event *github.Event, target dispatch.Target) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return &DeliveryError{ChannelID: target.ChannelID, Err: err}
	}

	msg := render.Render(event, target.Format)

	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.DeliveryTimeout)
	defer cancel()
	if err := n.sender.Send(sendCtx, target.ChannelID, msg); err != nil {
		return &DeliveryError{ChannelID: target.ChannelID, Err: err}
	}
	return nil
}

// flatten splits an errors.Join result back into its parts.
func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
