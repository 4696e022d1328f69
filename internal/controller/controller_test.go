package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jitsi/jibri/internal/browser"
	"github.com/jitsi/jibri/internal/config"
	"github.com/jitsi/jibri/internal/errorkind"
	"github.com/jitsi/jibri/internal/session"
	"github.com/jitsi/jibri/internal/supervisor"
)

type fakeSupervisor struct {
	mu             sync.Mutex
	encoderStarts  int
	encoderOK      bool
	gatewayOK      bool
	gatewayCode    int
	gatewayOutcome supervisor.GatewayOutcome
}

func (f *fakeSupervisor) StartEncoder(ctx context.Context, url, recordingPath, token, streamID string, backup bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encoderStarts++
	return 0, nil
}
func (f *fakeSupervisor) StartGateway(ctx context.Context, sipAddress, displayName string) (int, error) {
	return f.gatewayCode, nil
}
func (f *fakeSupervisor) WaitRunning(ctx context.Context, which supervisor.Which, attempts int, interval time.Duration, includeProgressCheck bool) bool {
	if which == supervisor.Gateway {
		return f.gatewayOK
	}
	return f.encoderOK
}
func (f *fakeSupervisor) Kill(which supervisor.Which) (bool, error) { return true, nil }
func (f *fakeSupervisor) HardStop(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeSupervisor) FinalizeRecording(ctx context.Context, directory string) (int, error) {
	return 0, nil
}
func (f *fakeSupervisor) GatewayTerminalOutcome() supervisor.GatewayOutcome {
	if f.gatewayOutcome == "" {
		return supervisor.GatewayUnknown
	}
	return f.gatewayOutcome
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
func (f *fakeSink) snapshot() []session.StatusMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.StatusMessage, len(f.msgs))
	copy(out, f.msgs)
	return out
}

type fakeDriver struct{}

func (f *fakeDriver) CheckAudio(ctx context.Context) error                     { return nil }
func (f *fakeDriver) Launch(ctx context.Context, opts browser.LaunchOptions) error { return nil }
func (f *fakeDriver) WaitSignalingConnected(ctx context.Context, timeout, interval time.Duration) bool {
	return true
}
func (f *fakeDriver) WaitDownloadBitrate(ctx context.Context, timeout, interval time.Duration) bool {
	return true
}
func (f *fakeDriver) CheckRunning(ctx context.Context) browser.RunState { return browser.Running }
func (f *fakeDriver) Quit(ctx context.Context)                          {}

func waitForMsg(t *testing.T, sink *fakeSink, tag session.StatusTag, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, m := range sink.snapshot() {
			if m.Tag == tag {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %v on %s, got %v", tag, sink.host, sink.snapshot())
}

func newTestController(sup *fakeSupervisor) (*Controller, *fakeWatchdog) {
	wd := &fakeWatchdog{}
	c := New(sup, func() browser.Driver { return &fakeDriver{} }, wd, nil, nil)
	return c, wd
}

func TestStartStreamHappyPath(t *testing.T) {
	sup := &fakeSupervisor{encoderOK: true}
	c, wd := newTestController(sup)

	origin := &fakeSink{host: "client-a"}
	other := &fakeSink{host: "client-b"}
	c.RegisterClient(origin)
	c.RegisterClient(other)

	req := session.Request{
		Mode:     session.ModeStream,
		StreamID: "KEY",
		Room:     "r1@muc.ex.test",
		Origin:   session.Origin{Signaling: "client-a"},
	}
	client := &config.ClientConfig{URLTemplate: "https://ex.test/%ROOM%"}

	res, err := c.Start(context.Background(), req, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	waitForMsg(t, other, session.StatusStarted, 2*time.Second)
	waitForMsg(t, origin, session.StatusStarted, 2*time.Second)

	// Busy skips the origin client; Started goes to every client.
	for _, m := range origin.snapshot() {
		if m.Tag == session.StatusBusy {
			t.Fatalf("origin client should be excluded from busy fan-out, got %v", origin.snapshot())
		}
	}

	if sup.encoderStarts != 1 {
		t.Fatalf("expected 1 encoder start, got %d", sup.encoderStarts)
	}

	// Armed is sent after the Started fan-out, so wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		wd.mu.Lock()
		n := len(wd.cmds)
		wd.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	wd.mu.Lock()
	defer wd.mu.Unlock()
	if len(wd.cmds) != 1 || wd.cmds[0].Tag != session.CmdArmed {
		t.Fatalf("expected watchdog armed exactly once, got %v", wd.cmds)
	}
}

func TestStartSlotContention(t *testing.T) {
	sup := &fakeSupervisor{encoderOK: true}
	c, _ := newTestController(sup)

	sink := &fakeSink{host: "client-a"}
	c.RegisterClient(sink)

	req := session.Request{Mode: session.ModeStream, StreamID: "KEY", Room: "r1@muc.ex.test"}
	client := &config.ClientConfig{URLTemplate: "https://ex.test/%ROOM%"}

	if _, err := c.Start(context.Background(), req, client); err != nil {
		t.Fatalf("first start should succeed: %v", err)
	}
	// The winner's start sequence runs asynchronously; let it spawn its
	// encoder (it keeps the slot held) before contending.
	waitForMsg(t, sink, session.StatusStarted, 2*time.Second)

	_, err := c.Start(context.Background(), req, client)
	if err != ErrSlotHeld {
		t.Fatalf("expected ErrSlotHeld on contended second start, got %v", err)
	}
	if sup.encoderStarts != 1 {
		t.Fatalf("losing start must not spawn a subprocess, got %d encoder starts", sup.encoderStarts)
	}
}

func TestStopReleasesSlotAndReportsIdle(t *testing.T) {
	sup := &fakeSupervisor{encoderOK: true}
	c, _ := newTestController(sup)

	sink := &fakeSink{host: "client-a"}
	c.RegisterClient(sink)

	req := session.Request{Mode: session.ModeStream, StreamID: "KEY", Room: "r1@muc.ex.test"}
	client := &config.ClientConfig{URLTemplate: "https://ex.test/%ROOM%"}

	res, err := c.Start(context.Background(), req, client)
	if err != nil {
		t.Fatal(err)
	}
	waitForMsg(t, sink, session.StatusStarted, 2*time.Second)

	c.Stop(res.SessionID, errorkind.XMPPStop)
	waitForMsg(t, sink, session.StatusIdle, 2*time.Second)

	if c.IsHeld() {
		t.Fatal("expected slot to be free after stop")
	}

	// Stop again: idempotent no-op, slot stays free.
	c.Stop(res.SessionID, errorkind.XMPPStop)
	if c.IsHeld() {
		t.Fatal("slot should remain free after idempotent second stop")
	}
}

func TestGatewayBusyMapsErrorKind(t *testing.T) {
	sup := &fakeSupervisor{gatewayCode: 2, gatewayOutcome: supervisor.GatewayBusy}
	c, _ := newTestController(sup)

	sink := &fakeSink{host: "client-a"}
	c.RegisterClient(sink)

	req := session.Request{Mode: session.ModeSIP, SIPAddress: "sip:foo@ex.test", Room: "r1@muc.ex.test"}
	client := &config.ClientConfig{URLTemplate: "https://ex.test/%ROOM%"}

	if _, err := c.Start(context.Background(), req, client); err != nil {
		t.Fatal(err)
	}

	waitForMsg(t, sink, session.StatusError, 2*time.Second)
	found := false
	for _, m := range sink.snapshot() {
		if m.Tag == session.StatusError && m.Kind == errorkind.PjsuaBusy {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected pjsua_busy error status, got %v", sink.snapshot())
	}
}
