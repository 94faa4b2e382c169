package supervisor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/foreman/internal/health"
)

// scriptedChecker returns one outcome per call, repeating the last
// outcome once the script runs out.
type scriptedChecker struct {
	mu      sync.Mutex
	script  []health.Status
	calls   int
	resetAt func(count int)
}

func (c *scriptedChecker) Name() string { return "scripted" }

func (c *scriptedChecker) Check(_ context.Context) *health.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := c.script[len(c.script)-1]
	if c.calls < len(c.script) {
		status = c.script[c.calls]
	}
	c.calls++
	return health.NewResult(status, "scripted")
}

type fakeProcess struct {
	mu         sync.Mutex
	pid        int
	alive      bool
	terminated bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	p.terminated = true
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	procs    []*fakeProcess
}

func (l *fakeLauncher) Launch(context.Context) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	p := &fakeProcess{pid: 1000 + l.launches, alive: true}
	l.procs = append(l.procs, p)
	return p, nil
}

func fastConfig(maxRestarts int) Config {
	return Config{
		MaxRestarts:     maxRestarts,
		RestartDelay:    time.Millisecond,
		MonitorInterval: time.Millisecond,
		GraceTimeout:    time.Millisecond,
		StartupGrace:    time.Millisecond,
	}
}

func TestBudgetExhaustionExitsWithError(t *testing.T) {
	const maxRestarts = 3
	launcher := &fakeLauncher{}
	// maxRestarts+1 consecutive failures must exhaust the budget.
	checker := &scriptedChecker{script: []health.Status{health.StatusUnhealthy}}
	s := New(fastConfig(maxRestarts), launcher, checker, nil)

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("exhausted budget should return an error")
	}
	// Initial launch plus exactly maxRestarts relaunches.
	if launcher.launches != maxRestarts+1 {
		t.Errorf("launches = %d, want %d", launcher.launches, maxRestarts+1)
	}
	if checker.calls != maxRestarts+1 {
		t.Errorf("health checks = %d, want %d", checker.calls, maxRestarts+1)
	}
	// Every superseded process must have been torn down.
	for i, p := range launcher.procs {
		if p.Alive() {
			t.Errorf("process %d still alive after supervision ended", i)
		}
	}
}

func TestRecoveryResetsRestartCount(t *testing.T) {
	launcher := &fakeLauncher{}
	checker := &scriptedChecker{script: []health.Status{
		health.StatusUnhealthy,
		health.StatusHealthy,
		health.StatusHealthy,
	}}
	s := New(fastConfig(2), launcher, checker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let it fail once, restart, then observe recovery.
	deadline := time.After(2 * time.Second)
	for {
		checker.mu.Lock()
		calls := checker.calls
		checker.mu.Unlock()
		if calls >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("checker never reached three calls")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("cancelled supervision returned error: %v", err)
	}
	if got := s.RestartCount(); got != 0 {
		t.Errorf("restart count after recovery = %d, want 0", got)
	}
	if launcher.launches != 2 {
		t.Errorf("launches = %d, want 2 (initial plus one restart)", launcher.launches)
	}
}

func TestHealthyLoopRunsUntilCancelled(t *testing.T) {
	launcher := &fakeLauncher{}
	checker := &scriptedChecker{script: []health.Status{health.StatusHealthy}}
	s := New(fastConfig(1), launcher, checker, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("healthy supervision returned error: %v", err)
	}
	if launcher.launches != 1 {
		t.Errorf("launches = %d, want 1", launcher.launches)
	}
	if !launcher.procs[0].terminated {
		t.Error("shutdown should terminate the supervised process")
	}
}

func TestDegradedCountsAsHealthy(t *testing.T) {
	// A degraded server is alive; the supervisor must not restart it.
	launcher := &fakeLauncher{}
	checker := &scriptedChecker{script: []health.Status{health.StatusDegraded}}
	s := New(fastConfig(1), launcher, checker, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("degraded supervision returned error: %v", err)
	}
	if launcher.launches != 1 {
		t.Errorf("launches = %d, want 1", launcher.launches)
	}
}

func TestCheckOnce(t *testing.T) {
	checker := &scriptedChecker{script: []health.Status{health.StatusUnhealthy}}
	s := New(fastConfig(1), &fakeLauncher{}, checker, nil)

	res := s.CheckOnce(context.Background())
	if res.Status != health.StatusUnhealthy {
		t.Errorf("CheckOnce = %s, want unhealthy", res.Status)
	}
	if checker.calls != 1 {
		t.Errorf("checker calls = %d, want 1", checker.calls)
	}
}

func TestCommandLauncherLifecycle(t *testing.T) {
	l := NewCommandLauncher("sleep", []string{"30"}, t.TempDir(), nil, nil, nil)
	proc, err := l.Launch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !proc.Alive() {
		t.Fatal("freshly launched process should be alive")
	}
	if proc.Pid() <= 0 {
		t.Errorf("pid = %d", proc.Pid())
	}
	if err := proc.Terminate(time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if proc.Alive() {
		t.Error("terminated process should not be alive")
	}
}

// A stdio server blocks on its stdin; the launcher must keep that
// stdin open so the child survives past launch instead of exiting on
// immediate EOF.
func TestCommandLauncherKeepsStdinOpen(t *testing.T) {
	l := NewCommandLauncher("cat", nil, t.TempDir(), nil, nil, nil)
	proc, err := l.Launch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Terminate(time.Second)

	time.Sleep(500 * time.Millisecond)
	if !proc.Alive() {
		t.Fatal("stdin-reading child exited; its stdin pipe was not held open")
	}

	// Closing stdin via Terminate is the clean shutdown path.
	if err := proc.Terminate(time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if proc.Alive() {
		t.Error("child should exit once stdin closes")
	}
}

func TestCommandLauncherForwardsStdin(t *testing.T) {
	var out bytes.Buffer
	l := NewCommandLauncher("cat", nil, t.TempDir(), strings.NewReader("hello\n"), &out, nil)
	proc, err := l.Launch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)
	// Source EOF must not close the child's stdin.
	if !proc.Alive() {
		t.Fatal("child exited after source EOF; pipe write end should stay open")
	}
	if err := proc.Terminate(time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if got := out.String(); got != "hello\n" {
		t.Errorf("forwarded stdin = %q, want %q", got, "hello\n")
	}
}
