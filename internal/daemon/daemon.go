// Package daemon runs the polling loop that ties discovery, the
// reconciliation pipeline, and the Dataplane client together, following
// the teacher's catacomb-backed worker.Worker pattern (worker/secretexpire)
// for lifecycle, and juju/clock for all timing so tests never sleep for
// real.
package daemon

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/gspiliotis/haproxy-cloud-discovery/internal/cloudinstance"
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/config"
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/discovery"
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/haproxy"
)

var logger = loggo.GetLogger("haproxycloud.daemon")

// Pipeline runs one polling cycle: discover, filter, group, detect
// changes, and reconcile. It is the daemon's only collaborator, so tests
// can substitute a fake without standing up real cloud/Dataplane clients.
type Pipeline interface {
	RunCycle(ctx context.Context) error
	Reset()
}

// reconcileFunc matches Reconciler.Reconcile's signature so Pipeline
// implementations can be built without importing internal/haproxy directly.
type reconcileFunc func(ctx context.Context, changed []cloudinstance.Service, removed []cloudinstance.Key) (map[cloudinstance.Key]int, error)

// corePipeline is the production Pipeline: the full
// DiscoveryClient → TagFilter → Grouper → ChangeDetector → Reconciler chain.
type corePipeline struct {
	discoveryClient discovery.Client
	tagFilter       *discovery.TagFilter
	changeDetector  *discovery.ChangeDetector
	reconcile       reconcileFunc
}

// NewCorePipeline wires the production pipeline from its component parts.
func NewCorePipeline(discoveryClient discovery.Client, tagFilter *discovery.TagFilter, changeDetector *discovery.ChangeDetector, reconciler *haproxy.Reconciler) Pipeline {
	return &corePipeline{
		discoveryClient: discoveryClient,
		tagFilter:       tagFilter,
		changeDetector:  changeDetector,
		reconcile:       reconciler.Reconcile,
	}
}

func (p *corePipeline) Reset() {
	p.changeDetector.Reset()
}

func (p *corePipeline) RunCycle(ctx context.Context) error {
	raw, err := p.discoveryClient.DiscoverAll(ctx)
	if err != nil {
		return discovery.NewError(err)
	}

	filtered := p.tagFilter.Apply(raw)
	current := discovery.Group(filtered)

	result := p.changeDetector.Detect(current)
	if len(result.Created) == 0 && len(result.Changed) == 0 && len(result.Removed) == 0 {
		logger.Debugf("no changes this cycle")
		return nil
	}

	changed := append(append([]cloudinstance.Service{}, result.Created...), result.Changed...)
	slotCounts, err := p.reconcile(ctx, changed, result.Removed)
	if err != nil {
		return err
	}

	p.changeDetector.Commit(current, slotCounts)
	return nil
}

// Config collects everything the Worker needs at construction time.
type Config struct {
	Pipeline Pipeline
	Clock    clock.Clock
	Polling  config.PollingConfig
}

func (cfg Config) validate() error {
	if cfg.Pipeline == nil {
		return errors.NotValidf("nil Pipeline")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Worker is the running DaemonLoop: a catacomb-supervised goroutine that
// ticks the pipeline on an interval, applies jittered sleeps and
// exponential backoff after failures, and reacts to SIGHUP by resetting
// the pipeline's change-detection state on the next tick.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	consecutiveFailures int
	hangupRequested     atomic.Bool
}

// New starts a Worker. Signal wiring (SIGHUP/SIGTERM/SIGINT) lives in
// cmd/haproxy-cloud-discovery/main.go, which calls RequestReset and Kill —
// the worker itself has no direct dependency on os/signal.
func New(cfg Config) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: cfg}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	return w, errors.Trace(err)
}

// Kill is part of worker.Worker.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of worker.Worker.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

var _ worker.Worker = (*Worker)(nil)

// RequestReset marks the next tick to clear change-detection state before
// running discovery, mirroring SIGHUP's documented effect. Safe to call
// from a signal handler goroutine; the flag is read and cleared only on
// the loop goroutine.
func (w *Worker) RequestReset() {
	w.hangupRequested.Store(true)
}

func (w *Worker) loop() error {
	for {
		if err := w.sleep(w.jitteredInterval()); err != nil {
			return err
		}

		if w.hangupRequested.Swap(false) {
			logger.Infof("reset requested, clearing change-detection state")
			w.config.Pipeline.Reset()
		}

		if err := w.runCycleWithBackoff(); err != nil {
			return errors.Trace(err)
		}
	}
}

func (w *Worker) runCycleWithBackoff() error {
	ctx, cancel := w.cycleContext()
	defer cancel()

	err := w.config.Pipeline.RunCycle(ctx)
	if err != nil {
		if isDying(ctx) {
			return w.catacomb.ErrDying()
		}
		w.consecutiveFailures++
		logger.Errorf("reconcile cycle failed (attempt %d consecutive): %v", w.consecutiveFailures, err)
		return w.sleep(w.backoffDelay())
	}

	w.consecutiveFailures = 0
	return nil
}

// cycleContext derives a context that is cancelled when the worker is
// killed, so an in-flight Dataplane call unblocks at its next request
// boundary instead of outliving the worker (spec.md §5's cancellation
// requirement).
func (w *Worker) cycleContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-w.catacomb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func isDying(ctx context.Context) bool {
	return ctx.Err() == context.Canceled
}

func (w *Worker) jitteredInterval() time.Duration {
	base := time.Duration(w.config.Polling.IntervalSeconds) * time.Second
	if w.config.Polling.JitterSeconds <= 0 {
		return base
	}
	jitter := time.Duration(rand.Intn(w.config.Polling.JitterSeconds+1)) * time.Second
	return base + jitter
}

func (w *Worker) backoffDelay() time.Duration {
	base := time.Duration(w.config.Polling.BackoffBaseSeconds) * time.Second
	maxDelay := time.Duration(w.config.Polling.MaxBackoffSeconds) * time.Second
	factor := math.Pow(2, float64(w.consecutiveFailures-1))
	delay := time.Duration(float64(base) * factor)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// sleep waits for d, the worker's own Dying channel, or returns
// immediately if d is zero — interruptible so SIGTERM/SIGINT during a
// jitter or backoff wait drains promptly rather than finishing the sleep.
func (w *Worker) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	case <-w.config.Clock.After(d):
		return nil
	}
}

// RunOnce executes exactly one cycle outside the catacomb-supervised loop,
// for the --once CLI mode (spec.md §6.4). It returns the cycle's error
// directly rather than applying backoff, since there is no next tick.
func RunOnce(ctx context.Context, pipeline Pipeline) error {
	return pipeline.RunCycle(ctx)
}
