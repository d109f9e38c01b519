package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/gspiliotis/haproxy-cloud-discovery/internal/config"
)

const testWait = 5 * time.Second

type fakePipeline struct {
	mu        sync.Mutex
	cycles    int
	resets    int
	failNext  int
	cycleDone chan struct{}
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{cycleDone: make(chan struct{}, 64)}
}

func (p *fakePipeline) RunCycle(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycles++
	var err error
	if p.failNext > 0 {
		p.failNext--
		err = errors.New("discovery unavailable")
	}
	p.cycleDone <- struct{}{}
	return err
}

func (p *fakePipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
}

func (p *fakePipeline) cycleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

func (p *fakePipeline) resetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

func testPollingConfig() config.PollingConfig {
	return config.PollingConfig{
		IntervalSeconds:    10,
		JitterSeconds:      0,
		BackoffBaseSeconds: 5,
		MaxBackoffSeconds:  60,
	}
}

func TestRunOnceRunsExactlyOneCycle(t *testing.T) {
	p := newFakePipeline()
	if err := RunOnce(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.cycleCount() != 1 {
		t.Errorf("expected 1 cycle, got %d", p.cycleCount())
	}
}

func TestRunOnceReturnsCycleError(t *testing.T) {
	p := newFakePipeline()
	p.failNext = 1
	if err := RunOnce(context.Background(), p); err == nil {
		t.Fatal("expected the cycle error to propagate")
	}
}

func TestBackoffDelayGrowsExponentiallyAndCaps(t *testing.T) {
	w := &Worker{config: Config{Polling: config.PollingConfig{
		BackoffBaseSeconds: 5,
		MaxBackoffSeconds:  60,
	}}}

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second}, // would be 80s uncapped; capped at 60s
	}
	for _, c := range cases {
		w.consecutiveFailures = c.failures
		if got := w.backoffDelay(); got != c.want {
			t.Errorf("failures=%d: got %v, want %v", c.failures, got, c.want)
		}
	}
}

func TestJitteredIntervalStaysWithinBounds(t *testing.T) {
	w := &Worker{config: Config{Polling: config.PollingConfig{
		IntervalSeconds: 10,
		JitterSeconds:   5,
	}}}
	base := 10 * time.Second
	max := 15 * time.Second
	for i := 0; i < 20; i++ {
		got := w.jitteredInterval()
		if got < base || got > max {
			t.Fatalf("jittered interval %v out of bounds [%v, %v]", got, base, max)
		}
	}
}

func TestJitteredIntervalWithZeroJitterIsExact(t *testing.T) {
	w := &Worker{config: Config{Polling: config.PollingConfig{
		IntervalSeconds: 10,
		JitterSeconds:   0,
	}}}
	if got := w.jitteredInterval(); got != 10*time.Second {
		t.Errorf("expected exactly 10s with no jitter, got %v", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error for a nil Pipeline and Clock")
	}
}

func TestWorkerTicksPipelineOnInterval(t *testing.T) {
	p := newFakePipeline()
	clk := testclock.NewClock(time.Time{})

	w, err := New(Config{Pipeline: p, Clock: clk, Polling: testPollingConfig()})
	if err != nil {
		t.Fatalf("unexpected error starting worker: %v", err)
	}

	clk.WaitAdvance(10*time.Second, testWait, 1)
	select {
	case <-p.cycleDone:
	case <-time.After(testWait):
		t.Fatal("timed out waiting for the first cycle")
	}

	w.Kill()
	if err := w.Wait(); err != nil {
		t.Errorf("expected a clean stop, got %v", err)
	}
}

func TestWorkerResetsPipelineOnRequestReset(t *testing.T) {
	p := newFakePipeline()
	clk := testclock.NewClock(time.Time{})

	w, err := New(Config{Pipeline: p, Clock: clk, Polling: testPollingConfig()})
	if err != nil {
		t.Fatalf("unexpected error starting worker: %v", err)
	}

	w.RequestReset()
	clk.WaitAdvance(10*time.Second, testWait, 1)
	select {
	case <-p.cycleDone:
	case <-time.After(testWait):
		t.Fatal("timed out waiting for the first cycle")
	}

	w.Kill()
	_ = w.Wait()

	if p.resetCount() != 1 {
		t.Errorf("expected Reset to be called once before the tick, got %d", p.resetCount())
	}
}

func TestWorkerBacksOffAfterFailureThenRecovers(t *testing.T) {
	p := newFakePipeline()
	p.failNext = 1
	clk := testclock.NewClock(time.Time{})

	w, err := New(Config{Pipeline: p, Clock: clk, Polling: testPollingConfig()})
	if err != nil {
		t.Fatalf("unexpected error starting worker: %v", err)
	}

	// First tick fails and triggers a 5s backoff sleep.
	clk.WaitAdvance(10*time.Second, testWait, 1)
	<-p.cycleDone
	clk.WaitAdvance(5*time.Second, testWait, 1)

	// Second regular tick succeeds.
	clk.WaitAdvance(10*time.Second, testWait, 1)
	<-p.cycleDone

	w.Kill()
	if err := w.Wait(); err != nil {
		t.Errorf("expected a clean stop, got %v", err)
	}
	if p.cycleCount() != 2 {
		t.Errorf("expected 2 cycles (1 failed, 1 succeeded), got %d", p.cycleCount())
	}
}
