package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/ent0n29/voxlink/internal/audio"
	"github.com/ent0n29/voxlink/internal/device"
	"github.com/ent0n29/voxlink/internal/protocol"
	"github.com/ent0n29/voxlink/internal/reliability"
	"github.com/ent0n29/voxlink/internal/settings"
	"github.com/ent0n29/voxlink/internal/wakeword"
)

type fakeClient struct {
	mu            sync.Mutex
	handler       func(protocol.Event)
	connectErr    error
	autoHandshake bool
	blockConnect  bool
	truncateErr   error

	// disconnectGate, when set, holds Disconnect until it is closed.
	disconnectGate chan struct{}

	done        chan struct{}
	open        int
	maxOpen     int
	connects    int
	disconnects int
	frames      int
	sent        []string
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.blockConnect {
		f.mu.Unlock()
		<-ctx.Done()
		return &reliability.TransportError{Op: "dial", Err: ctx.Err()}
	}
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	if f.done == nil {
		f.done = make(chan struct{})
		f.open++
		if f.open > f.maxOpen {
			f.maxOpen = f.open
		}
	}
	auto := f.autoHandshake
	f.mu.Unlock()

	if auto {
		f.deliver(protocol.Event{Type: protocol.EventSessionCreated})
	}
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	gate := f.disconnectGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.closeLocked()
	return nil
}

// drop simulates the server hanging up.
func (f *fakeClient) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *fakeClient) closeLocked() {
	if f.done == nil {
		return
	}
	close(f.done)
	f.done = nil
	f.open--
}

func (f *fakeClient) IsHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done != nil
}

func (f *fakeClient) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return f.done
}

func (f *fakeClient) SetHandler(h func(protocol.Event)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeClient) AppendAudio([]byte) error {
	f.mu.Lock()
	f.frames++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) CancelResponse() error {
	f.mu.Lock()
	f.sent = append(f.sent, string(protocol.TypeResponseCancel))
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) TruncateItem(itemID string) error {
	f.mu.Lock()
	f.sent = append(f.sent, string(protocol.TypeConversationTruncate)+":"+itemID)
	err := f.truncateErr
	f.mu.Unlock()
	return err
}

func (f *fakeClient) deliver(evt protocol.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func (f *fakeClient) snapshot() (connects, disconnects, maxOpen int, sent []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.maxOpen, append([]string(nil), f.sent...)
}

func (f *fakeClient) set(fn func(f *fakeClient)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

type fakeBridge struct {
	mu        sync.Mutex
	mode      audio.Mode
	modes     []audio.ModeKind
	switches  int
	capturing bool
	playing   bool
	played    int
	flushes   int
}

func (b *fakeBridge) SwitchTo(mode audio.Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == mode {
		return nil
	}
	b.mode = mode
	b.modes = append(b.modes, mode.Kind)
	b.switches++
	b.capturing = false
	b.playing = false
	return nil
}

func (b *fakeBridge) StartCapture(audio.Uplink) error {
	b.mu.Lock()
	b.capturing = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) StopCapture() error {
	b.mu.Lock()
	b.capturing = false
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) StartPlayback() error {
	b.mu.Lock()
	b.playing = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) StopPlayback() error {
	b.mu.Lock()
	b.playing = false
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) Playback([]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.playing {
		return audio.ErrNotPlaying
	}
	b.played++
	return nil
}

func (b *fakeBridge) Flush() error {
	b.mu.Lock()
	b.flushes++
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) history() []audio.ModeKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]audio.ModeKind(nil), b.modes...)
}

func (b *fakeBridge) current() (mode audio.Mode, capturing bool, played, flushes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode, b.capturing, b.played, b.flushes
}

type fakeDetector struct {
	mu       sync.Mutex
	cb       wakeword.DetectFunc
	keywords []string
	stops    int
	stopErr  error
}

func (d *fakeDetector) Start(keyword string, _ float64, cb wakeword.DetectFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
	d.keywords = append(d.keywords, keyword)
	return nil
}

func (d *fakeDetector) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return d.stopErr
}

func (d *fakeDetector) failStop(err error) {
	d.mu.Lock()
	d.stopErr = err
	d.mu.Unlock()
}

func (d *fakeDetector) fire() {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(true, false)
		cb(false, false)
	}
}

func (d *fakeDetector) lastKeyword() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.keywords) == 0 {
		return ""
	}
	return d.keywords[len(d.keywords)-1]
}

func (d *fakeDetector) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

type fakePlayer struct {
	stops atomic.Int64
}

func (p *fakePlayer) Stop()         { p.stops.Add(1) }
func (p *fakePlayer) Playing() bool { return false }

type harness struct {
	c        *Coordinator
	client   *fakeClient
	bridge   *fakeBridge
	det      *fakeDetector
	gate     *wakeword.Gate
	panel    *device.Panel
	power    *device.LogPower
	player   *fakePlayer
	settings *settings.Service
	reclaims atomic.Int64

	cancel context.CancelFunc
	done   chan error
}

func buildHarness(logger *zap.Logger, cfg Config, client *fakeClient) (*harness, error) {
	svc, err := settings.NewService(context.Background(), settings.NewInMemoryStore(), map[string]string{
		settings.KeyWakeKeyword: "hey lamp",
		settings.KeyDisplayText: "Hey Lamp",
	}, logger)
	if err != nil {
		return nil, err
	}
	h := &harness{
		client:   client,
		bridge:   &fakeBridge{},
		det:      &fakeDetector{},
		panel:    device.NewPanel(logger),
		power:    device.NewLogPower(logger),
		player:   &fakePlayer{},
		settings: svc,
		done:     make(chan error, 1),
	}
	h.gate = wakeword.NewGate(wakeword.Config{
		Detector:  h.det,
		Keyword:   func() string { return svc.Get(settings.KeyWakeKeyword) },
		Threshold: 0.5,
		OnTrigger: func() { h.c.Trigger(SourceWakeword) },
		Logger:    logger,
	})
	cfg.Logger = logger
	h.c = NewCoordinator(cfg, Deps{
		Client:   client,
		Bridge:   h.bridge,
		Gate:     h.gate,
		Player:   h.player,
		Status:   h.panel.Status,
		Activity: h.panel.Activity,
		Rail:     h.panel,
		Power:    h.power,
		Settings: svc,
		Reclaim:  func() { h.reclaims.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.c.Run(ctx) }()
	return h, nil
}

func (h *harness) stop() error {
	h.cancel()
	err := <-h.done
	h.panel.Close()
	return err
}

func startHarness(t *testing.T, cfg Config, client *fakeClient) *harness {
	t.Helper()
	h, err := buildHarness(zaptest.NewLogger(t), cfg, client)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := h.stop(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
	waitFor(t, "wakeword armed", func() bool { return h.gate.State() == wakeword.StateArmed })
	return h
}

type fatalfer interface {
	Fatalf(format string, args ...any)
}

func waitFor(t fatalfer, what string, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t fatalfer, want State) {
	waitFor(t, "state "+want.String(), func() bool { return h.c.State() == want })
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	h.det.fire()
	h.waitState(t, StateActive)
}

func audioDelta(payload []byte) protocol.Event {
	return protocol.Event{Type: protocol.EventResponseAudioDelta, Delta: base64.StdEncoding.EncodeToString(payload)}
}

func TestWakewordStartsSessionAndCloseReturnsToIdle(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{}, client)

	h.activate(t)
	assert.Equal(t, wakeword.StateHeld, h.gate.State())
	mode, capturing, _, _ := h.bridge.current()
	assert.Equal(t, audio.ModeStreaming, mode.Kind)
	assert.True(t, capturing)
	autoSleep, _ := h.power.State()
	assert.False(t, autoSleep)

	st := h.c.Status()
	if st.State != "active" {
		t.Fatalf("Status().State = %q, want active", st.State)
	}
	require.NotEmpty(t, st.SessionID)
	require.NotNil(t, st.StartedAt)
	assert.Equal(t, SourceWakeword, st.Source)

	require.True(t, h.c.Close("test"))
	h.waitState(t, StateIdle)
	waitFor(t, "gate re-armed", func() bool { return h.gate.State() == wakeword.StateArmed })

	mode, capturing, _, _ = h.bridge.current()
	assert.Equal(t, audio.ModeListening, mode.Kind)
	assert.False(t, capturing)
	assert.Equal(t, "blink", h.panel.Status.Mode())
	_, disconnects, _, _ := client.snapshot()
	assert.Equal(t, 1, disconnects)
	assert.False(t, h.c.Close("again"))
}

func TestConversationStandbyEndsSession(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{ConversationStandby: 80 * time.Millisecond}, client)

	h.activate(t)
	h.waitState(t, StateIdle)

	_, disconnects, _, _ := client.snapshot()
	if disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", disconnects)
	}
	waitFor(t, "gate re-armed", func() bool { return h.gate.State() == wakeword.StateArmed })
}

func TestSpeechEventsKeepConversationAlive(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{ConversationStandby: 150 * time.Millisecond}, client)
	h.activate(t)

	for i := 0; i < 8; i++ {
		time.Sleep(50 * time.Millisecond)
		if i%2 == 0 {
			client.deliver(protocol.Event{Type: protocol.EventSpeechStarted})
		} else {
			client.deliver(protocol.Event{Type: protocol.EventSpeechStopped})
		}
		require.Equal(t, StateActive, h.c.State(), "tick %d", i)
	}
	assert.Equal(t, int64(4), h.player.stops.Load())

	h.waitState(t, StateIdle)
}

func TestBargeInCancelsThenTruncates(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{}, client)
	h.activate(t)

	client.deliver(protocol.Event{Type: protocol.EventConversationItemCreated, Item: &protocol.Item{ID: "item_42"}})
	client.deliver(audioDelta([]byte{1, 2, 3}))
	_, _, played, _ := h.bridge.current()
	require.Equal(t, 1, played)

	require.True(t, h.c.Trigger(SourceButton))
	waitFor(t, "barge-in sent", func() bool {
		_, _, _, sent := client.snapshot()
		return len(sent) == 2
	})
	_, _, _, sent := client.snapshot()
	assert.Equal(t, []string{"response.cancel", "conversation.item.truncate:item_42"}, sent)

	sess := h.c.Session()
	assert.True(t, sess.InterruptFlag)
	assert.Empty(t, sess.LastItemID)
	waitFor(t, "playback flushed", func() bool {
		_, _, _, flushes := h.bridge.current()
		return flushes == 1
	})

	client.deliver(audioDelta([]byte{4, 5, 6}))
	client.deliver(protocol.Event{Type: protocol.EventResponseOutputAudioDelta, Delta: base64.StdEncoding.EncodeToString([]byte{7})})
	_, _, played, _ = h.bridge.current()
	if played != 1 {
		t.Fatalf("played while interrupted = %d, want 1", played)
	}

	client.deliver(protocol.Event{Type: protocol.EventConversationItemTruncated, ItemID: "item_42"})
	assert.False(t, h.c.Session().InterruptFlag)
	client.deliver(audioDelta([]byte{8}))
	_, _, played, _ = h.bridge.current()
	assert.Equal(t, 2, played)
	assert.Equal(t, StateActive, h.c.State())
}

func TestEarlierTruncationKeepsLaterBargeInMuted(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{}, client)
	h.activate(t)

	client.deliver(protocol.Event{Type: protocol.EventConversationItemCreated, Item: &protocol.Item{ID: "item_a"}})
	require.True(t, h.c.Trigger(SourceButton))
	waitFor(t, "first barge-in sent", func() bool {
		_, _, _, sent := client.snapshot()
		return len(sent) == 2
	})

	client.deliver(protocol.Event{Type: protocol.EventConversationItemCreated, Item: &protocol.Item{ID: "item_b"}})
	require.True(t, h.c.Trigger(SourceButton))
	waitFor(t, "second barge-in sent", func() bool {
		_, _, _, sent := client.snapshot()
		return len(sent) == 4
	})
	_, _, _, sent := client.snapshot()
	assert.Equal(t, "conversation.item.truncate:item_b", sent[3])

	client.deliver(protocol.Event{Type: protocol.EventConversationItemTruncated, ItemID: "item_a"})
	sess := h.c.Session()
	if !sess.InterruptFlag {
		t.Fatalf("InterruptFlag = false after item_a truncation, want true until item_b is confirmed")
	}
	assert.Equal(t, "item_b", sess.TruncateItemID)
	client.deliver(audioDelta([]byte{1, 2}))
	_, _, played, _ := h.bridge.current()
	if played != 0 {
		t.Fatalf("played = %d, want 0 while item_b truncation is pending", played)
	}

	client.deliver(protocol.Event{Type: protocol.EventConversationItemTruncated, ItemID: "item_b"})
	assert.False(t, h.c.Session().InterruptFlag)
	client.deliver(audioDelta([]byte{3}))
	_, _, played, _ = h.bridge.current()
	assert.Equal(t, 1, played)
}

func TestBargeInWithoutItemSendsOnlyCancel(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{}, client)
	h.activate(t)

	require.True(t, h.c.Trigger(SourceRemote))
	waitFor(t, "cancel sent", func() bool {
		_, _, _, sent := client.snapshot()
		return len(sent) == 1
	})
	_, _, _, sent := client.snapshot()
	assert.Equal(t, []string{"response.cancel"}, sent)
	assert.False(t, h.c.Session().InterruptFlag)

	client.deliver(audioDelta([]byte{1}))
	_, _, played, _ := h.bridge.current()
	assert.Equal(t, 1, played)
}

func TestBargeInTruncateFailureClearsInterrupt(t *testing.T) {
	client := &fakeClient{autoHandshake: true, truncateErr: reliability.ErrNotConnected}
	h := startHarness(t, Config{}, client)
	h.activate(t)

	client.deliver(protocol.Event{Type: protocol.EventConversationItemCreated, Item: &protocol.Item{ID: "item_7"}})
	h.c.Trigger(SourceButton)
	waitFor(t, "truncate attempted", func() bool {
		_, _, _, sent := client.snapshot()
		return len(sent) == 2
	})
	waitFor(t, "interrupt cleared", func() bool { return !h.c.Session().InterruptFlag })
}

func TestCredentialFailureKeepsGateArmed(t *testing.T) {
	client := &fakeClient{connectErr: &reliability.CredentialError{Code: 401, Message: "bad signature"}}
	h := startHarness(t, Config{}, client)

	h.det.fire()
	waitFor(t, "connect attempted", func() bool {
		connects, _, _, _ := client.snapshot()
		return connects == 1
	})
	waitFor(t, "permit released", func() bool {
		if !h.c.permit.TryAcquire(1) {
			return false
		}
		h.c.permit.Release(1)
		return h.c.State() == StateIdle
	})

	assert.Equal(t, wakeword.StateArmed, h.gate.State())
	if got := h.det.stopCount(); got != 0 {
		t.Fatalf("detector stops = %d, want 0", got)
	}
	mode, _, _, _ := h.bridge.current()
	assert.Equal(t, audio.ModeListening, mode.Kind)

	client.set(func(f *fakeClient) {
		f.connectErr = nil
		f.autoHandshake = true
	})
	h.det.fire()
	h.waitState(t, StateActive)
}

func TestHoldFailureAbortsBeforeStreaming(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{}, client)
	h.det.failStop(errors.New("detector worker stuck"))

	h.det.fire()
	waitFor(t, "disconnected", func() bool {
		_, disconnects, _, _ := client.snapshot()
		return disconnects == 1
	})
	h.waitState(t, StateIdle)

	for _, kind := range h.bridge.history() {
		if kind == audio.ModeStreaming {
			t.Fatalf("bridge switched to streaming although the detector did not stop")
		}
	}
	waitFor(t, "gate re-armed", func() bool { return h.gate.State() == wakeword.StateArmed })

	h.det.failStop(nil)
	h.det.fire()
	h.waitState(t, StateActive)
}

func TestStatusFeedSeesFastCredentialFailure(t *testing.T) {
	client := &fakeClient{connectErr: &reliability.CredentialError{Code: 401, Message: "bad signature"}}
	h := startHarness(t, Config{}, client)
	updates, unsubscribe := h.c.SubscribeStatus()
	defer unsubscribe()

	h.det.fire()
	var states []string
	timeout := time.After(2 * time.Second)
	for len(states) == 0 || states[len(states)-1] != "idle" {
		select {
		case st := <-updates:
			if len(states) == 0 || states[len(states)-1] != st.State {
				states = append(states, st.State)
			}
		case <-timeout:
			t.Fatalf("status updates = %v, want them to end in idle", states)
		}
	}
	assert.Equal(t, []string{"connecting", "draining", "idle"}, states)
}

func TestTriggerDuringTeardownStartsNextSession(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{autoHandshake: true, disconnectGate: release}
	h := startHarness(t, Config{}, client)
	h.activate(t)

	require.True(t, h.c.Close("test"))
	h.waitState(t, StateDraining)
	if !h.c.Trigger(SourceButton) {
		t.Fatalf("Trigger() during teardown = false, want true")
	}
	close(release)

	waitFor(t, "second connect", func() bool {
		connects, _, _, _ := client.snapshot()
		return connects == 2
	})
	h.waitState(t, StateActive)
	_, _, maxOpen, _ := client.snapshot()
	assert.Equal(t, 1, maxOpen)
	assert.Equal(t, SourceButton, h.c.Status().Source)
}

func TestHandshakeTimeoutReturnsToIdle(t *testing.T) {
	client := &fakeClient{}
	h := startHarness(t, Config{HandshakeTimeout: 60 * time.Millisecond}, client)

	h.det.fire()
	h.waitState(t, StateAwaitingHandshake)
	h.waitState(t, StateIdle)
	waitFor(t, "disconnected", func() bool {
		_, disconnects, _, _ := client.snapshot()
		return disconnects == 1
	})

	// A late confirmation belongs to no attempt.
	client.deliver(protocol.Event{Type: protocol.EventSessionCreated})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateIdle, h.c.State())
	waitFor(t, "gate re-armed", func() bool { return h.gate.State() == wakeword.StateArmed })

	client.set(func(f *fakeClient) { f.autoHandshake = true })
	h.det.fire()
	h.waitState(t, StateActive)
}

func TestDoubleTriggerConnectsOnce(t *testing.T) {
	client := &fakeClient{}
	h := startHarness(t, Config{HandshakeTimeout: time.Minute}, client)

	require.True(t, h.c.Trigger(SourceButton))
	h.waitState(t, StateAwaitingHandshake)
	assert.False(t, h.c.Trigger(SourceButton))

	connects, _, maxOpen, sent := client.snapshot()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, maxOpen)
	assert.Empty(t, sent)
}

func TestRecoveryFromEveryState(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fakeClient)
		wait  State
		end   func(h *harness)
	}{
		{
			name:  "connecting",
			setup: func(f *fakeClient) { f.blockConnect = true },
			wait:  StateConnecting,
			end:   func(h *harness) { h.c.Close("test") },
		},
		{
			name:  "awaiting handshake",
			setup: func(f *fakeClient) {},
			wait:  StateAwaitingHandshake,
			end:   func(h *harness) { h.c.Close("test") },
		},
		{
			name:  "active, server hangup",
			setup: func(f *fakeClient) { f.autoHandshake = true },
			wait:  StateActive,
			end:   func(h *harness) { h.client.drop() },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeClient{}
			tc.setup(client)
			h := startHarness(t, Config{HandshakeTimeout: time.Minute}, client)

			h.c.Trigger(SourceHTTP)
			h.waitState(t, tc.wait)
			tc.end(h)
			h.waitState(t, StateIdle)

			waitFor(t, "gate re-armed", func() bool { return h.gate.State() == wakeword.StateArmed })
			mode, capturing, _, _ := h.bridge.current()
			assert.Equal(t, audio.ModeListening, mode.Kind)
			assert.False(t, capturing)
			assert.False(t, client.IsHealthy())
			autoSleep, _ := h.power.State()
			assert.True(t, autoSleep)
		})
	}
}

func TestLowPowerExpiryAndWake(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{LowPowerStandby: 60 * time.Millisecond}, client)

	waitFor(t, "low power", h.c.LowPower)
	assert.False(t, h.panel.Enabled())
	assert.Equal(t, wakeword.StateDisarmed, h.gate.State())
	assert.True(t, h.c.Status().LowPower)

	require.True(t, h.c.Trigger(SourceButton))
	h.waitState(t, StateActive)
	assert.True(t, h.panel.Enabled())
	assert.False(t, h.c.LowPower())

	require.True(t, h.c.Close("test"))
	h.waitState(t, StateIdle)
	waitFor(t, "gate re-armed", func() bool { return h.gate.State() == wakeword.StateArmed })
}

func TestActivityPostponesLowPower(t *testing.T) {
	client := &fakeClient{}
	h := startHarness(t, Config{LowPowerStandby: 120 * time.Millisecond}, client)

	for i := 0; i < 6; i++ {
		time.Sleep(40 * time.Millisecond)
		h.c.NoteActivity()
		require.False(t, h.c.LowPower(), "tick %d", i)
	}
	waitFor(t, "low power", h.c.LowPower)
}

func TestWakePhraseChangeForcesReconnect(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{}, client)
	h.activate(t)

	_, err := h.settings.Update(context.Background(), map[string]string{
		settings.KeyWakeKeyword: "hey volt",
		settings.KeyDisplayText: "Hey Volt",
	})
	require.NoError(t, err)

	h.waitState(t, StateIdle)
	waitFor(t, "gate re-armed with new keyword", func() bool {
		return h.gate.State() == wakeword.StateArmed && h.det.lastKeyword() == "hey volt"
	})
	assert.Equal(t, uint64(2), h.c.Status().SettingsVersion)
}

func TestVolumeChangeKeepsSession(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{}, client)
	h.activate(t)

	_, err := h.settings.Update(context.Background(), map[string]string{settings.KeyVolume: "3"})
	require.NoError(t, err)
	waitFor(t, "settings applied", func() bool { return h.c.Status().SettingsVersion == 2 })
	assert.Equal(t, StateActive, h.c.State())
}

func TestKeywordChangeInIdleRestartsGate(t *testing.T) {
	client := &fakeClient{}
	h := startHarness(t, Config{}, client)

	_, err := h.settings.Update(context.Background(), map[string]string{settings.KeyWakeKeyword: "ok robot"})
	require.NoError(t, err)
	waitFor(t, "keyword applied", func() bool { return h.det.lastKeyword() == "ok robot" })
	assert.Equal(t, wakeword.StateArmed, h.gate.State())
	assert.GreaterOrEqual(t, h.det.stopCount(), 1)
}

func TestRunTwiceFails(t *testing.T) {
	client := &fakeClient{}
	h := startHarness(t, Config{}, client)
	err := h.c.Run(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}

// At most one connection is ever open and every run of actions settles back
// to Idle with the permit free.
func TestPermitInvariantProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		client := &fakeClient{autoHandshake: rapid.Bool().Draw(rt, "autoHandshake")}
		h, err := buildHarness(zap.NewNop(), Config{HandshakeTimeout: 30 * time.Millisecond}, client)
		if err != nil {
			rt.Fatalf("build: %v", err)
		}
		defer func() { _ = h.stop() }()

		actions := rapid.SliceOfN(rapid.SampledFrom([]string{"trigger", "wake", "close", "handshake", "drop", "item"}), 1, 25).Draw(rt, "actions")
		for _, a := range actions {
			switch a {
			case "trigger":
				h.c.Trigger(SourceButton)
			case "wake":
				h.det.fire()
			case "close":
				h.c.Close("property")
			case "handshake":
				client.deliver(protocol.Event{Type: protocol.EventSessionCreated})
			case "drop":
				client.drop()
			case "item":
				client.deliver(protocol.Event{Type: protocol.EventConversationItemCreated, ItemID: "item_1"})
			}
		}

		waitFor(rt, "settled", func() bool {
			h.c.Close("settle")
			if h.c.State() != StateIdle || !h.c.permit.TryAcquire(1) {
				return false
			}
			h.c.permit.Release(1)
			return true
		})
		_, _, maxOpen, _ := client.snapshot()
		if maxOpen > 1 {
			rt.Fatalf("maxOpen = %d, want <= 1", maxOpen)
		}
		if client.IsHealthy() {
			rt.Fatalf("connection still open after settling")
		}
	})
}
