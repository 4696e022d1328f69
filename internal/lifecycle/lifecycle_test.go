package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jitsi/jibri/internal/errorkind"
	"github.com/jitsi/jibri/internal/session"
)

type fakeController struct {
	mu           sync.Mutex
	held         bool
	sessionID    string
	stopCalls    []string
	cleanupCalls int
}

func (f *fakeController) IsHeld() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.held }

func (f *fakeController) Stop(sessionID string, kind errorkind.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, sessionID)
	f.held = false
}

func (f *fakeController) CurrentSessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *fakeController) ForceCleanup(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls++
}

type fakeWatchdog struct {
	mu   sync.Mutex
	cmds []session.WatchdogCommand
}

func (f *fakeWatchdog) Send(cmd session.WatchdogCommand) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
}

type fakeSink struct {
	host string
	mu   sync.Mutex
	msgs []session.StatusMessage
}

func (f *fakeSink) Host() string { return f.host }
func (f *fakeSink) Enqueue(msg session.StatusMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}
func (f *fakeSink) all() []session.StatusMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.StatusMessage(nil), f.msgs...)
}

func TestWritePIDAndRemovePID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jibri.pid")
	h := New(&fakeController{}, &fakeWatchdog{}, nil, "", path, nil, nil)

	if err := h.WritePID(); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if strconv.Itoa(os.Getpid()) != string(data) {
		t.Fatalf("pid file contents = %q, want %d", data, os.Getpid())
	}

	h.RemovePID()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file still exists after RemovePID")
	}
}

func TestRemovePIDLeavesForeignContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jibri.pid")
	if err := os.WriteFile(path, []byte("999999"), 0644); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}

	h := New(&fakeController{}, &fakeWatchdog{}, nil, "", path, nil, nil)
	h.RemovePID()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("pid file removed even though contents didn't match: %v", err)
	}
	if string(data) != "999999" {
		t.Fatalf("pid file contents changed: %q", data)
	}
}

func TestImmediateTerminateStopsHeldSessionAndPoisons(t *testing.T) {
	ctrl := &fakeController{held: true, sessionID: "sess-1"}
	wd := &fakeWatchdog{}
	sink := &fakeSink{host: "h1"}
	canceled := false
	cancel := func() { canceled = true }

	h := New(ctrl, wd, []ClientSink{sink}, "", "", cancel, nil)
	h.immediateTerminate(context.Background())

	if len(ctrl.stopCalls) != 1 || ctrl.stopCalls[0] != "sess-1" {
		t.Fatalf("stopCalls = %v, want [sess-1]", ctrl.stopCalls)
	}
	if len(wd.cmds) != 1 || wd.cmds[0].Tag != session.CmdPoison {
		t.Fatalf("watchdog cmds = %v, want one Poison", wd.cmds)
	}
	msgs := sink.all()
	if len(msgs) != 1 || !msgs[0].Poison {
		t.Fatalf("sink messages = %v, want one poison message", msgs)
	}
	if !canceled {
		t.Fatalf("cancel was not called")
	}
	if h.ExitCode() != 0 {
		// immediateTerminate itself doesn't set the exit code; Run does.
		t.Fatalf("ExitCode() = %d, want 0 (unset by direct call)", h.ExitCode())
	}
}

func TestTeardownRunsCleanupEvenWhenIdle(t *testing.T) {
	ctrl := &fakeController{held: false}
	wd := &fakeWatchdog{}

	h := New(ctrl, wd, nil, "", "", func() {}, nil)
	h.teardown(context.Background(), errorkind.XMPPStop)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.stopCalls) != 0 {
		t.Fatalf("idle teardown must not Stop a session, got %v", ctrl.stopCalls)
	}
	if ctrl.cleanupCalls != 1 {
		t.Fatalf("cleanupCalls = %d, want 1 (cleanup is unconditional)", ctrl.cleanupCalls)
	}
}

func TestDebugFansBusyWithoutTeardown(t *testing.T) {
	ctrl := &fakeController{held: true, sessionID: "sess-1"}
	wd := &fakeWatchdog{}
	sink := &fakeSink{host: "h1"}

	h := New(ctrl, wd, []ClientSink{sink}, "", "", nil, nil)
	h.debug()

	msgs := sink.all()
	if len(msgs) != 1 || msgs[0].Tag != session.StatusBusy {
		t.Fatalf("sink messages = %v, want one Busy", msgs)
	}
	if len(ctrl.stopCalls) != 0 {
		t.Fatalf("debug signal must not stop the held session")
	}
}

func TestGracefulDrainWaitsForSlotToFree(t *testing.T) {
	ctrl := &fakeController{held: true, sessionID: "sess-1"}
	wd := &fakeWatchdog{}
	canceled := make(chan struct{})
	cancel := func() { close(canceled) }

	h := New(ctrl, wd, nil, "", "", cancel, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		ctrl.mu.Lock()
		ctrl.held = false
		ctrl.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		h.gracefulDrain(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("gracefulDrain did not return after slot freed")
	}
	select {
	case <-canceled:
	default:
		t.Fatalf("teardown did not cancel the supervision tree")
	}
}

func TestRunDispatchesSIGINTAsImmediateTermination(t *testing.T) {
	ctrl := &fakeController{held: true, sessionID: "sess-1"}
	wd := &fakeWatchdog{}
	h := New(ctrl, wd, nil, "", "", func() {}, nil)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("send SIGINT: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after SIGINT")
	}
	if h.ExitCode() != 1 {
		t.Fatalf("ExitCode() = %d, want 1", h.ExitCode())
	}
}
