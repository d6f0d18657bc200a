package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/scribeflow/pkg/errorsx"
	"github.com/harunnryd/scribeflow/pkg/frames"
	"github.com/harunnryd/scribeflow/pkg/logging"
	"github.com/harunnryd/scribeflow/pkg/metrics"
)

type Config struct {
	// ChunkDuration is the boundary interval between swaps.
	ChunkDuration time.Duration
	// SettleDelay separates stopping one instance from starting the next.
	SettleDelay time.Duration
	// SwapWait bounds how long Stop waits for an in-flight swap.
	SwapWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 15 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 100 * time.Millisecond
	}
	if c.SwapWait <= 0 {
		c.SwapWait = 2 * time.Second
	}
	return c
}

// Emitter receives sealed chunks. The upload pipeline implements it.
type Emitter interface {
	Enqueue(chunk frames.ChunkFrame) error
}

// Controller owns one continuously-recording capture instance for a single
// recording session and seals chunks at fixed boundaries without losing audio
// in between. One controller per session; resume builds a new one.
type Controller struct {
	cfg      Config
	provider Provider
	emit     Emitter
	log      *slog.Logger
	obs      metrics.Observer
	now      func() time.Time

	streamID  string
	sessionID string

	mu           sync.Mutex
	source       Source
	inst         Instance
	chunkNext    int
	lastBoundary time.Time
	paused       bool
	stopped      bool
	buffered     [][]byte
	cancelTicker context.CancelFunc
	onFailure    func(error)

	swapping atomic.Bool
	swapDone chan struct{}
}

func NewController(cfg Config, provider Provider, emit Emitter, sessionID, streamID string) *Controller {
	done := make(chan struct{})
	close(done)
	return &Controller{
		cfg:       cfg.withDefaults(),
		provider:  provider,
		emit:      emit,
		log:       logging.NewComponentLogger(slog.Default(), "capture"),
		obs:       metrics.NoopObserver{},
		now:       time.Now,
		streamID:  streamID,
		sessionID: sessionID,
		swapDone:  done,
	}
}

func (c *Controller) SetObserver(obs metrics.Observer) {
	if obs != nil {
		c.obs = obs
	}
}

// SetClock overrides the wall clock, for tests.
func (c *Controller) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// SetFailureHandler registers a callback for capture failures that surface
// after Start returns, such as a boundary swap that cannot start a fresh
// instance. Without a handler such failures are only logged and the session
// silently stops accumulating audio.
func (c *Controller) SetFailureHandler(h func(error)) {
	c.mu.Lock()
	c.onFailure = h
	c.mu.Unlock()
}

// Start acquires the source, starts the first capture instance and arms the
// boundary timer. Source acquisition failures are surfaced immediately and
// never retried.
func (c *Controller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("capture: controller already stopped")
	}
	if c.source != nil {
		return errors.New("capture: already started")
	}
	source, err := c.provider.Acquire(ctx)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("acquire source: %w", err), errorsx.ReasonSourceDenied)
	}
	inst, err := source.NewInstance()
	if err != nil {
		_ = source.Release()
		return errorsx.Wrap(fmt.Errorf("new instance: %w", err), errorsx.ReasonSourceBusy)
	}
	if err := inst.Start(); err != nil {
		_ = source.Release()
		return errorsx.Wrap(fmt.Errorf("start instance: %w", err), errorsx.ReasonSourceBusy)
	}
	c.source = source
	c.inst = inst
	c.lastBoundary = c.now()

	tickCtx, cancel := context.WithCancel(ctx)
	c.cancelTicker = cancel
	go c.runTicker(tickCtx)

	c.log.Info("capture_started",
		slog.String("session_id", c.sessionID),
		slog.Int64("chunk_duration_ms", c.cfg.ChunkDuration.Milliseconds()))
	return nil
}

func (c *Controller) runTicker(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ChunkDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.onBoundary()
		}
	}
}

// onBoundary performs one swap. Concurrent fires are dropped, never queued.
func (c *Controller) onBoundary() {
	if !c.swapping.CompareAndSwap(false, true) {
		c.log.Warn("swap_skipped_in_progress")
		return
	}
	done := make(chan struct{})
	c.mu.Lock()
	c.swapDone = done
	if c.paused || c.stopped || c.inst == nil {
		c.mu.Unlock()
		close(done)
		c.swapping.Store(false)
		return
	}
	inst := c.inst
	sessionID := c.sessionID
	c.mu.Unlock()

	defer func() {
		close(done)
		c.swapping.Store(false)
	}()

	fragments, err := inst.Stop()
	if err != nil {
		c.log.Error("swap_stop_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	c.seal(fragments, false)

	time.Sleep(c.cfg.SettleDelay)

	c.mu.Lock()
	if c.paused || c.stopped || c.source == nil {
		c.mu.Unlock()
		return
	}
	next, err := c.source.NewInstance()
	if err == nil {
		err = next.Start()
	}
	if err != nil {
		c.inst = nil
		sessionID := c.sessionID
		handler := c.onFailure
		c.mu.Unlock()
		wrapped := errorsx.Wrap(fmt.Errorf("restart capture: %w", err), errorsx.ReasonSourceBusy)
		c.log.Error("swap_restart_failed",
			slog.String("session_id", sessionID),
			slog.String("error", wrapped.Error()))
		if handler != nil {
			go handler(wrapped)
		}
		return
	}
	c.inst = next
	c.mu.Unlock()
}

// seal concatenates fragments into one immutable chunk and hands it to the
// emitter. Duration comes from the wall-clock delta since the last boundary.
// The chunk number is claimed and advanced in the same critical section, so
// a stop racing a stuck swap can never seal two chunks under one number.
func (c *Controller) seal(fragments [][]byte, final bool) {
	c.mu.Lock()
	if len(c.buffered) > 0 {
		fragments = append(c.buffered, fragments...)
		c.buffered = nil
	}
	data := bytes.Join(fragments, nil)
	now := c.now()
	dur := now.Sub(c.lastBoundary)
	c.lastBoundary = now
	sessionID := c.sessionID
	if len(data) == 0 {
		c.mu.Unlock()
		if final {
			c.log.Info("final_chunk_empty", slog.String("session_id", sessionID))
		}
		return
	}
	number := c.chunkNext
	c.chunkNext++
	emit := c.emit
	c.mu.Unlock()

	meta := map[string]string{
		frames.MetaSessionID:   sessionID,
		frames.MetaChunkNumber: strconv.Itoa(number),
	}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	chunk := frames.NewChunkFrameFromPool(c.streamID, now.UnixNano(), data, number, dur, meta)

	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventChunkSealed,
		Time:  now,
		Value: dur.Seconds(),
		Tags: map[string]string{
			frames.MetaSessionID:   sessionID,
			frames.MetaChunkNumber: strconv.Itoa(number),
		},
		Fields: map[string]any{"bytes": len(data), "final": final},
	})
	c.log.Info("chunk_sealed",
		slog.String("session_id", sessionID),
		slog.Int("chunk_number", number),
		slog.Int("bytes", len(data)),
		slog.Int64("duration_ms", dur.Milliseconds()),
		slog.Bool("final", final))

	if err := emit.Enqueue(chunk); err != nil {
		c.log.Error("chunk_enqueue_failed",
			slog.String("session_id", sessionID),
			slog.Int("chunk_number", number),
			slog.String("error", err.Error()))
	}
}

// Pause freezes capture without sealing a boundary. Fragments accumulated
// since the last boundary are retained, not emitted.
func (c *Controller) Pause() error {
	c.waitSwap()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("capture: controller stopped")
	}
	if c.paused {
		return nil
	}
	if c.cancelTicker != nil {
		c.cancelTicker()
		c.cancelTicker = nil
	}
	if c.inst != nil {
		fragments, err := c.inst.Stop()
		if err != nil {
			return fmt.Errorf("pause flush: %w", err)
		}
		c.buffered = append(c.buffered, fragments...)
		c.inst = nil
	}
	c.paused = true
	c.log.Info("capture_paused",
		slog.String("session_id", c.sessionID),
		slog.Int("buffered_fragments", len(c.buffered)))
	return nil
}

// Rebind attaches a paused controller to a replacement session: new emitter,
// new session identity, chunk numbering restarting at next. The source handle
// is kept, so the clinician never re-grants microphone access. Fragments
// retained by the pause roll into the next sealed chunk.
func (c *Controller) Rebind(ctx context.Context, sessionID string, emit Emitter, next int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("capture: controller stopped")
	}
	if !c.paused {
		return errors.New("capture: rebind requires a paused controller")
	}
	if c.source == nil {
		return errors.New("capture: no source held")
	}
	inst, err := c.source.NewInstance()
	if err == nil {
		err = inst.Start()
	}
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("rebind instance: %w", err), errorsx.ReasonSourceBusy)
	}
	oldSessionID := c.sessionID
	c.inst = inst
	c.sessionID = sessionID
	c.emit = emit
	c.chunkNext = next
	c.paused = false
	c.lastBoundary = c.now()

	tickCtx, cancel := context.WithCancel(ctx)
	c.cancelTicker = cancel
	go c.runTicker(tickCtx)

	c.log.Info("capture_rebound",
		slog.String("session_id", sessionID),
		slog.String("previous_session_id", oldSessionID),
		slog.Int("next_chunk", next))
	return nil
}

// Buffered returns a copy of the unsealed audio retained across a pause, for
// snapshot persistence.
func (c *Controller) Buffered() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.buffered, nil)
}

// ChunkCount returns how many chunks have been sealed so far.
func (c *Controller) ChunkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunkNext
}

// Elapsed returns wall-clock time since the last sealed boundary.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.lastBoundary)
}

// Stop waits out any in-flight swap (bounded), seals whatever audio remains
// as the final chunk, and releases the source handle. The final chunk may be
// arbitrarily short.
func (c *Controller) Stop() error {
	if !c.waitSwap() {
		c.log.Warn("stop_swap_wait_timeout")
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	if c.cancelTicker != nil {
		c.cancelTicker()
		c.cancelTicker = nil
	}
	inst := c.inst
	c.inst = nil
	source := c.source
	c.source = nil
	sessionID := c.sessionID
	c.mu.Unlock()

	var fragments [][]byte
	if inst != nil {
		var err error
		fragments, err = inst.Stop()
		if err != nil {
			c.log.Error("final_stop_failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}
	c.seal(fragments, true)

	if source != nil {
		if err := source.Release(); err != nil {
			return fmt.Errorf("release source: %w", err)
		}
	}
	c.log.Info("capture_stopped",
		slog.String("session_id", sessionID),
		slog.Int("chunks_sealed", c.ChunkCount()))
	return nil
}

// waitSwap blocks until the in-flight swap (if any) finishes or SwapWait
// elapses. Returns false on timeout.
func (c *Controller) waitSwap() bool {
	c.mu.Lock()
	done := c.swapDone
	c.mu.Unlock()
	select {
	case <-done:
		return true
	case <-time.After(c.cfg.SwapWait):
		return false
	}
}
