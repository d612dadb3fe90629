package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/gitrelay/pkg/logger"
)

// Lister reports the channels that currently exist on the chat platform.
type Lister interface {
	LiveChannels(ctx context.Context) ([]LiveChannel, error)
}

// ReconcileJob periodically creates records for live channels the registry
// does not know about.
type ReconcileJob struct {
	reg     *Registry
	lister  Lister
	c       *cron.Cron
	job     cron.Job // tick, never run twice at once
	timeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconcileJob parses schedule, a standard five-field cron spec or a
// descriptor such as "@every 30m".
func NewReconcileJob(reg *Registry, lister Lister, schedule string) (*ReconcileJob, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	j := &ReconcileJob{
		reg:     reg,
		lister:  lister,
		timeout: 5 * time.Minute,
		c:       cron.New(cron.WithParser(parser)),
	}
	// The first pass and the scheduled ones share one chain so they never overlap.
	j.job = cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(j.tick))
	if _, err := j.c.AddJob(schedule, j.job); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start runs one reconciliation right away, then follows the schedule.
func (j *ReconcileJob) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ctx != nil {
		return
	}
	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.job.Run()
	}()
	j.c.Start()
	logger.Info().Msg("Channel reconciliation scheduled")
}

// Stop cancels a running pass and waits for it to return.
func (j *ReconcileJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ctx == nil {
		return
	}
	j.cancel()
	<-j.c.Stop().Done()
	j.wg.Wait()
}

func (j *ReconcileJob) tick() {
	ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
	defer cancel()

	added, err := j.RunOnce(ctx)
	if err != nil {
		logger.Error().Err(err).Int("added", added).Msg("Channel reconciliation failed")
		return
	}
	logger.Debug().Int("added", added).Msg("Channel reconciliation finished")
}

// RunOnce lists live channels and reconciles the registry against them.
func (j *ReconcileJob) RunOnce(ctx context.Context) (int, error) {
	live, err := j.lister.LiveChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live channels: %w", err)
	}
	return j.reg.Reconcile(ctx, live)
}
