package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ent0n29/voxlink/internal/audio"
	"github.com/ent0n29/voxlink/internal/device"
	"github.com/ent0n29/voxlink/internal/logging"
	"github.com/ent0n29/voxlink/internal/observability"
	"github.com/ent0n29/voxlink/internal/reliability"
	"github.com/ent0n29/voxlink/internal/settings"
	"github.com/ent0n29/voxlink/internal/standby"
)

var ErrAlreadyRunning = errors.New("coordinator already running")

type Config struct {
	HandshakeTimeout    time.Duration
	ListeningRate       int
	StreamingRate       int
	ConversationStandby time.Duration
	LowPowerStandby     time.Duration
	// ReclaimInterval is the minimum gap between memory reclamation hints.
	ReclaimInterval time.Duration
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

// Deps are the components a coordinator drives. Client, Bridge and Gate are
// required; the rest fall back to no-ops.
type Deps struct {
	Client   Client
	Bridge   Bridge
	Gate     Gate
	Player   MusicPlayer
	Status   device.Indicator
	Activity device.Indicator
	Rail     device.Rail
	Power    device.Power
	Settings SettingsSource
	// Reclaim runs after each completed response. Defaults to debug.FreeOSMemory.
	Reclaim func()
}

// Coordinator owns the session lifecycle. At most one session exists at a
// time; the permit is taken by Trigger and released only by finalize.
type Coordinator struct {
	cfg      Config
	log      *zap.Logger
	metrics  *observability.Metrics
	client   Client
	bridge   Bridge
	gate     Gate
	player   MusicPlayer
	status   device.Indicator
	activity device.Indicator
	rail     device.Rail
	power    device.Power
	settings SettingsSource

	monitor *standby.Monitor
	router  *Router

	permit  *semaphore.Weighted
	gen     atomic.Uint64
	running atomic.Bool
	stopped atomic.Bool

	startCh    chan Source
	bargeCh    chan struct{}
	closeCh    chan string
	convIdleCh chan uint64
	lowPowerCh chan uint64

	mu            sync.Mutex
	sess          Session
	handshake     chan struct{}
	cancelAttempt context.CancelFunc
	lowPower      bool
	applied       settings.Snapshot
	// pending is a trigger that arrived while the previous session was
	// tearing down. It starts the next session once the permit is free.
	pending Source

	feed statusFeed
}

func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ListeningRate <= 0 {
		cfg.ListeningRate = 16000
	}
	if cfg.StreamingRate <= 0 {
		cfg.StreamingRate = 8000
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 5 * time.Second
	}
	log := logging.OrNop(cfg.Logger).Named("session")

	c := &Coordinator{
		cfg:        cfg,
		log:        log,
		metrics:    cfg.Metrics,
		client:     deps.Client,
		bridge:     deps.Bridge,
		gate:       deps.Gate,
		player:     deps.Player,
		status:     deps.Status,
		activity:   deps.Activity,
		rail:       deps.Rail,
		power:      deps.Power,
		settings:   deps.Settings,
		permit:     semaphore.NewWeighted(1),
		startCh:    make(chan Source, 1),
		bargeCh:    make(chan struct{}, 1),
		closeCh:    make(chan string, 1),
		convIdleCh: make(chan uint64, 1),
		lowPowerCh: make(chan uint64, 1),
	}
	if c.player == nil {
		c.player = nopPlayer{}
	}
	if c.status == nil {
		c.status = nopIndicator{}
	}
	if c.activity == nil {
		c.activity = nopIndicator{}
	}
	if c.rail == nil {
		c.rail = nopRail{}
	}
	if c.power == nil {
		c.power = nopPower{}
	}
	if c.settings != nil {
		c.applied = c.settings.Snapshot()
	}
	reclaim := deps.Reclaim
	if reclaim == nil {
		reclaim = debug.FreeOSMemory
	}

	c.monitor = standby.NewMonitor(standby.MonitorConfig{
		ConversationTimeout: cfg.ConversationStandby,
		LowPowerTimeout:     cfg.LowPowerStandby,
		OnConversationIdle:  func(gen uint64) { offer(c.convIdleCh, gen) },
		OnLowPower:          func(gen uint64) { offer(c.lowPowerCh, gen) },
		Logger:              cfg.Logger,
	})
	c.router = newRouter(c, reclaim, cfg.ReclaimInterval)
	return c
}

// Router returns the inbound dispatch table bound to this coordinator.
func (c *Coordinator) Router() *Router { return c.router }

// Trigger asks for a session. It starts one when the permit is free, turns
// into a barge-in while a session is Active, and is ignored otherwise.
// It reports whether the request was acted on.
func (c *Coordinator) Trigger(src Source) bool {
	if c.stopped.Load() {
		return false
	}
	c.monitor.LowPower.Reset()

	if c.permit.TryAcquire(1) {
		return c.start(src)
	}

	c.mu.Lock()
	state := c.sess.State
	switch state {
	case StateActive:
		c.mu.Unlock()
		offer(c.bargeCh, struct{}{})
		return true
	case StateDraining, StateIdle:
		// The permit is still held by a session being torn down.
		c.pending = src
		c.mu.Unlock()
		c.log.Info("trigger queued behind teardown", zap.String("source", string(src)))
		c.startPending()
		return true
	}
	c.mu.Unlock()
	c.log.Info("trigger ignored", zap.String("source", string(src)), zap.Stringer("state", state))
	return false
}

// start hands src to Run. The caller holds the permit.
func (c *Coordinator) start(src Source) bool {
	select {
	case c.startCh <- src:
		return true
	default:
		c.permit.Release(1)
		return false
	}
}

// startPending starts the queued trigger if the permit is free. A trigger
// queued while another caller briefly held the permit is picked up by the
// recheck after release.
func (c *Coordinator) startPending() {
	for !c.stopped.Load() {
		if !c.permit.TryAcquire(1) {
			return
		}
		c.mu.Lock()
		src := c.pending
		c.pending = ""
		c.mu.Unlock()
		if src != "" {
			c.start(src)
			return
		}
		c.permit.Release(1)

		c.mu.Lock()
		again := c.pending != ""
		c.mu.Unlock()
		if !again {
			return
		}
	}
}

// Close ends the current session. It reports false when there is none.
func (c *Coordinator) Close(reason string) bool {
	c.mu.Lock()
	state := c.sess.State
	cancel := c.cancelAttempt
	c.mu.Unlock()

	if state == StateIdle || state == StateDraining {
		return false
	}
	if state == StateConnecting && cancel != nil {
		cancel()
	}
	offer(c.closeCh, reason)
	return true
}

// NoteActivity pushes out the low-power deadline.
func (c *Coordinator) NoteActivity() {
	c.monitor.LowPower.Reset()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.State
}

// Session returns a copy of the current session.
func (c *Coordinator) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// SubscribeStatus returns a channel receiving the status after every change,
// and a function to unsubscribe.
func (c *Coordinator) SubscribeStatus() (<-chan Status, func()) {
	return c.feed.subscribe()
}

// Running reports whether Run is driving the lifecycle.
func (c *Coordinator) Running() bool {
	return c.running.Load() && !c.stopped.Load()
}

func (c *Coordinator) LowPower() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowPower
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		SessionID:       c.sess.ID,
		State:           c.sess.State.String(),
		Source:          c.sess.Source,
		LastItemID:      c.sess.LastItemID,
		InterruptFlag:   c.sess.InterruptFlag,
		TruncateItemID:  c.sess.TruncateItemID,
		LowPower:        c.lowPower,
		SettingsVersion: c.applied.Version,
	}
	if !c.sess.StartedAt.IsZero() {
		started := c.sess.StartedAt
		st.StartedAt = &started
	}
	return st
}

// Run drives the lifecycle until ctx is done. It must be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.client.SetHandler(c.router.Dispatch)

	var updates <-chan settings.Snapshot
	if c.settings != nil {
		ch, unsubscribe := c.settings.Subscribe()
		defer unsubscribe()
		updates = ch
	}
	defer c.shutdown()

	c.enterIdle()
	for {
		select {
		case <-ctx.Done():
			return nil
		case src := <-c.startCh:
			c.runSession(ctx, src, updates)
		case gen := <-c.lowPowerCh:
			c.enterLowPower(gen)
		case snap := <-updates:
			_, keywordChanged := c.applySettings(snap)
			if keywordChanged && !c.LowPower() {
				c.restartGate()
			}
		case <-c.bargeCh:
		case <-c.closeCh:
		case <-c.convIdleCh:
		}
	}
}

func (c *Coordinator) enterIdle() {
	var errs []error
	if err := c.bridge.SwitchTo(audio.Listening(c.cfg.ListeningRate)); err != nil {
		errs = append(errs, fmt.Errorf("switch to listening: %w", err))
	}
	if err := c.gate.Start(); err != nil {
		errs = append(errs, fmt.Errorf("start wakeword: %w", err))
	}
	if err := c.status.Blink(device.BlinkIdle[0], device.BlinkIdle[1]); err != nil {
		errs = append(errs, err)
	}
	if err := c.power.AllowAutoSleep(true); err != nil {
		errs = append(errs, err)
	}
	c.publishState(StateIdle)
	c.startLowPower()
	if err := errors.Join(errs...); err != nil {
		c.log.Warn("enter idle", zap.Error(err))
		c.metrics.ObserveError(err)
	}
}

func (c *Coordinator) startLowPower() {
	if c.stopped.Load() {
		return
	}
	c.monitor.LowPower.Start(c.gen.Load())
}

func (c *Coordinator) enterLowPower(gen uint64) {
	if gen != c.gen.Load() {
		return
	}
	c.mu.Lock()
	if c.sess.State != StateIdle || c.lowPower {
		c.mu.Unlock()
		return
	}
	c.lowPower = true
	c.mu.Unlock()
	c.notifyStatus()

	errs := []error{
		c.gate.Stop(),
		c.status.Off(),
		c.activity.Off(),
		c.rail.DisableAll(),
	}
	c.metrics.ObserveSessionEvent("low_power")
	c.log.Info("entered low power")
	if err := errors.Join(errs...); err != nil {
		c.log.Warn("enter low power", zap.Error(err))
	}
}

func (c *Coordinator) restartGate() {
	if err := errors.Join(c.gate.Stop(), c.gate.Start()); err != nil {
		c.log.Warn("restart wakeword", zap.Error(err))
		return
	}
	c.log.Info("wakeword restarted for new keyword")
}

// applySettings records snap and reports whether the wake phrase changed
// (keyword or display text) and whether the keyword itself changed.
func (c *Coordinator) applySettings(snap settings.Snapshot) (wakeChanged, keywordChanged bool) {
	c.mu.Lock()
	prev := c.applied
	if snap.Version < prev.Version {
		c.mu.Unlock()
		return false, false
	}
	c.applied = snap
	c.mu.Unlock()
	c.notifyStatus()

	keywordChanged = snap.WakeKeyword() != prev.WakeKeyword()
	return keywordChanged || snap.DisplayText() != prev.DisplayText(), keywordChanged
}

func (c *Coordinator) runSession(ctx context.Context, src Source, updates <-chan settings.Snapshot) {
	c.drainSignals()

	attemptCtx, cancel := context.WithCancel(ctx)
	gen := c.gen.Add(1)
	started := time.Now()
	handshake := make(chan struct{})

	c.mu.Lock()
	c.sess = Session{
		ID:        uuid.NewString(),
		Gen:       gen,
		State:     StateConnecting,
		Source:    src,
		StartedAt: started,
	}
	c.handshake = handshake
	c.cancelAttempt = cancel
	c.pending = ""
	wasLowPower := c.lowPower
	c.lowPower = false
	sessionID := c.sess.ID
	c.mu.Unlock()
	c.publishState(StateConnecting)

	log := c.log.With(zap.String("session_id", sessionID), zap.Uint64("gen", gen))
	log.Info("session starting", zap.String("source", string(src)))
	c.metrics.ObserveSessionEvent("start")
	defer c.finalize(log, cancel, started)

	c.monitor.LowPower.Stop()
	if wasLowPower {
		if err := c.rail.EnableAll(); err != nil {
			log.Warn("enable indicators", zap.Error(err))
		}
		log.Info("left low power")
	}
	if err := c.power.AllowAutoSleep(false); err != nil {
		log.Warn("disallow auto sleep", zap.Error(err))
	}
	if err := c.status.Blink(device.BlinkConnecting[0], device.BlinkConnecting[1]); err != nil {
		log.Debug("status blink", zap.Error(err))
	}

	if err := c.client.Connect(attemptCtx); err != nil {
		log.Error("connect failed", zap.String("class", reliability.Classify(err)), zap.Error(err))
		c.metrics.ObserveError(err)
		c.metrics.ObserveStageFailure(observability.StageConnect)
		return
	}
	// The detector must have let go of the device before the mode switch.
	if err := c.gate.Hold(); err != nil {
		log.Error("hold wakeword failed", zap.Error(err))
		c.metrics.ObserveError(err)
		return
	}
	if err := c.bridge.SwitchTo(audio.Streaming(c.cfg.StreamingRate)); err != nil {
		log.Error("switch to streaming failed", zap.Error(err))
		c.metrics.ObserveError(err)
		return
	}
	if err := c.bridge.StartPlayback(); err != nil {
		log.Error("start playback failed", zap.Error(err))
		c.metrics.ObserveError(err)
		return
	}
	c.setState(StateAwaitingHandshake)

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-handshake:
	case <-timer.C:
		if c.abandonHandshake() {
			log.Warn("handshake timed out", zap.Duration("timeout", c.cfg.HandshakeTimeout))
			c.metrics.ObserveError(reliability.ErrHandshakeTimeout)
			c.metrics.ObserveStageFailure(observability.StageHandshake)
			return
		}
	case <-c.client.Done():
		log.Warn("connection closed before handshake")
		return
	case reason := <-c.closeCh:
		log.Info("session closed before handshake", zap.String("reason", reason))
		return
	case <-ctx.Done():
		return
	}

	activeAt := time.Now()
	c.mu.Lock()
	c.sess.State = StateActive
	c.sess.ActiveAt = activeAt
	c.cancelAttempt = nil
	c.mu.Unlock()
	c.publishState(StateActive)
	c.metrics.ObserveHandshakeLatency(activeAt.Sub(started))
	c.metrics.ObserveSessionEvent("active")
	log.Info("session active", zap.Duration("handshake", activeAt.Sub(started)))

	if err := c.status.On(); err != nil {
		log.Debug("status on", zap.Error(err))
	}
	if err := c.bridge.StartCapture(c.client); err != nil {
		log.Error("start capture failed", zap.Error(err))
		c.metrics.ObserveError(err)
		return
	}
	c.monitor.Conversation.Start(gen)

	for {
		select {
		case <-c.client.Done():
			log.Warn("connection lost")
			c.metrics.ObserveSessionEvent("connection_lost")
			return
		case reason := <-c.closeCh:
			log.Info("session closed", zap.String("reason", reason))
			return
		case g := <-c.convIdleCh:
			if g != gen {
				continue
			}
			log.Info("conversation standby expired")
			c.metrics.ObserveSessionEvent("standby")
			return
		case <-c.bargeCh:
			c.bargeIn(log)
		case snap := <-updates:
			if wakeChanged, _ := c.applySettings(snap); wakeChanged {
				log.Info("wake phrase changed, reconnecting", zap.Uint64("settings_version", snap.Version))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// abandonHandshake disarms the rendezvous after a timeout. It returns false
// when the handshake completed first.
func (c *Coordinator) abandonHandshake() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshake == nil {
		return false
	}
	c.handshake = nil
	return true
}

// completeHandshake is called by the router on session.created.
func (c *Coordinator) completeHandshake() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshake == nil {
		return false
	}
	if c.sess.State != StateConnecting && c.sess.State != StateAwaitingHandshake {
		return false
	}
	close(c.handshake)
	c.handshake = nil
	return true
}

// bargeIn cancels the in-flight response and truncates the last item so the
// server stops speaking. Audio is muted until the truncation is confirmed.
func (c *Coordinator) bargeIn(log *zap.Logger) {
	c.mu.Lock()
	if c.sess.State != StateActive {
		c.mu.Unlock()
		return
	}
	itemID := c.sess.LastItemID
	if itemID != "" {
		c.sess.InterruptFlag = true
		c.sess.TruncateItemID = itemID
		c.sess.LastItemID = ""
	}
	c.mu.Unlock()
	c.notifyStatus()

	c.metrics.ObserveSessionEvent("barge_in")
	if err := c.client.CancelResponse(); err != nil {
		log.Warn("cancel response failed", zap.Error(err))
		c.metrics.ObserveError(err)
	}
	if itemID != "" {
		if err := c.client.TruncateItem(itemID); err != nil {
			log.Warn("truncate item failed", zap.String("item_id", itemID), zap.Error(err))
			c.metrics.ObserveError(err)
			c.confirmTruncate(itemID)
		}
	}
	if err := c.bridge.Flush(); err != nil {
		log.Debug("flush playback", zap.Error(err))
	}
	log.Info("barge-in", zap.String("item_id", itemID))
}

// finalize returns the engine to Idle. Every step runs even when an earlier
// one fails.
func (c *Coordinator) finalize(log *zap.Logger, cancel context.CancelFunc, started time.Time) {
	c.setState(StateDraining)
	cancel()
	c.monitor.Conversation.Stop()

	var errs []error
	if err := c.client.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	if err := c.bridge.StopCapture(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}
	if err := c.bridge.SwitchTo(audio.Listening(c.cfg.ListeningRate)); err != nil {
		errs = append(errs, fmt.Errorf("switch to listening: %w", err))
	}
	if err := c.gate.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release wakeword: %w", err))
	}
	if err := c.activity.Off(); err != nil {
		errs = append(errs, err)
	}
	if err := c.status.Blink(device.BlinkIdle[0], device.BlinkIdle[1]); err != nil {
		errs = append(errs, err)
	}
	if err := c.power.AllowAutoSleep(true); err != nil {
		errs = append(errs, err)
	}

	c.mu.Lock()
	c.sess = Session{State: StateIdle, Gen: c.sess.Gen}
	c.handshake = nil
	c.cancelAttempt = nil
	c.mu.Unlock()
	c.publishState(StateIdle)
	c.metrics.ObserveStage(observability.StageSessionTotal, time.Since(started))
	c.metrics.ObserveSessionEvent("end")

	c.permit.Release(1)
	c.startLowPower()
	c.startPending()

	if err := errors.Join(errs...); err != nil {
		log.Warn("session teardown", zap.Error(err))
		c.metrics.ObserveError(err)
	}
	log.Info("session ended", zap.Duration("duration", time.Since(started)))
}

func (c *Coordinator) shutdown() {
	c.stopped.Store(true)
	c.monitor.Stop()
	if err := c.gate.Stop(); err != nil {
		c.log.Warn("stop wakeword", zap.Error(err))
	}
	select {
	case <-c.startCh:
		c.permit.Release(1)
	default:
	}
	c.log.Info("coordinator stopped")
}

func (c *Coordinator) drainSignals() {
	poll(c.bargeCh)
	poll(c.closeCh)
	poll(c.convIdleCh)
	poll(c.lowPowerCh)
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	c.sess.State = state
	c.mu.Unlock()
	c.publishState(state)
}

func (c *Coordinator) publishState(state State) {
	c.metrics.SetSessionState(int(state))
	c.notifyStatus()
}

func (c *Coordinator) notifyStatus() {
	c.feed.publish(c.Status)
}

func (c *Coordinator) recordItem(itemID string) {
	if itemID == "" {
		return
	}
	c.mu.Lock()
	c.sess.LastItemID = itemID
	c.mu.Unlock()
	c.notifyStatus()
}

func (c *Coordinator) interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.InterruptFlag
}

// confirmTruncate clears the interrupt when itemID is the item the last
// barge-in truncated. It reports whether it did.
func (c *Coordinator) confirmTruncate(itemID string) bool {
	c.mu.Lock()
	if !c.sess.InterruptFlag || itemID != c.sess.TruncateItemID {
		c.mu.Unlock()
		return false
	}
	c.sess.InterruptFlag = false
	c.sess.TruncateItemID = ""
	c.mu.Unlock()
	c.notifyStatus()
	return true
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func poll[T any](ch chan T) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type nopPlayer struct{}

func (nopPlayer) Stop()         {}
func (nopPlayer) Playing() bool { return false }

type nopIndicator struct{}

func (nopIndicator) On() error                      { return nil }
func (nopIndicator) Off() error                     { return nil }
func (nopIndicator) Blink(_, _ time.Duration) error { return nil }

type nopRail struct{}

func (nopRail) EnableAll() error  { return nil }
func (nopRail) DisableAll() error { return nil }
func (nopRail) Enabled() bool     { return true }

type nopPower struct{}

func (nopPower) AllowAutoSleep(bool) error { return nil }
func (nopPower) SetCharging(bool) error    { return nil }
