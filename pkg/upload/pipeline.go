package upload

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/scribeflow/pkg/errorsx"
	"github.com/harunnryd/scribeflow/pkg/frames"
	"github.com/harunnryd/scribeflow/pkg/logging"
	"github.com/harunnryd/scribeflow/pkg/metrics"
	"github.com/harunnryd/scribeflow/pkg/resilience"
)

// State tracks a chunk through the pipeline.
type State string

const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateUploaded  State = "uploaded"
	StateFailed    State = "failed"
	// StateParked marks a chunk whose session token the backend stopped
	// honoring. Parked chunks are held for re-upload under a replacement
	// session instead of being abandoned as gaps.
	StateParked State = "parked"
)

// Uploader delivers one sealed chunk to the backend. The pipeline owns retry;
// implementations should attempt exactly one delivery per call.
type Uploader interface {
	UploadChunk(ctx context.Context, chunk frames.ChunkFrame) error
}

type Config struct {
	// MaxAttempts is total attempts per chunk, including the first.
	MaxAttempts int
	// BaseDelay is the backoff base: BaseDelay * 2^attempt between attempts.
	BaseDelay time.Duration
	// Sleep overrides backoff waiting, for tests.
	Sleep func(time.Duration)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	return c
}

// Pipeline is a single-consumer FIFO that uploads chunks strictly in order.
// A failing chunk is retried in place with exponential backoff, so no higher-
// numbered chunk ever reaches the backend before a lower-numbered one that is
// still retrying. Chunks that exhaust their retries are reported as gaps and
// the queue keeps draining — except when the failure is a dead capability
// token, where the chunk is parked for the lifecycle machine to re-upload
// under a replacement session.
type Pipeline struct {
	cfg      Config
	uploader Uploader
	log      *slog.Logger
	obs      metrics.Observer

	sessionID string

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []frames.ChunkFrame
	states   map[int]State
	parked   []frames.ChunkFrame
	inflight bool
	closed   bool

	onAuthFailure func()
	authOnce      sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPipeline(cfg Config, uploader Uploader, sessionID string) *Pipeline {
	p := &Pipeline{
		cfg:       cfg.withDefaults(),
		uploader:  uploader,
		log:       logging.NewComponentLogger(slog.Default(), "upload"),
		obs:       metrics.NoopObserver{},
		sessionID: sessionID,
		states:    make(map[int]State),
	}
	p.cond = sync.NewCond(&p.mu)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.worker()
	return p
}

func (p *Pipeline) SetObserver(obs metrics.Observer) {
	if obs != nil {
		p.obs = obs
	}
}

// SetAuthFailureHandler registers a callback fired (once, on its own
// goroutine) when an upload fails because the session token is no longer
// honored. The handler is expected to collect the parked chunks and move them
// to a replacement session.
func (p *Pipeline) SetAuthFailureHandler(h func()) {
	p.mu.Lock()
	p.onAuthFailure = h
	p.mu.Unlock()
}

// Enqueue appends a sealed chunk to the FIFO. It never blocks on network I/O.
func (p *Pipeline) Enqueue(chunk frames.ChunkFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("upload: pipeline closed")
	}
	p.queue = append(p.queue, chunk)
	p.states[chunk.Number()] = StatePending
	p.cond.Signal()
	return nil
}

func (p *Pipeline) worker() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed && len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		chunk := p.queue[0]
		p.queue = p.queue[1:]
		p.states[chunk.Number()] = StateUploading
		p.inflight = true
		p.mu.Unlock()

		err := p.uploadWithRetry(chunk)

		parkedNow := false
		var notify func()
		p.mu.Lock()
		switch {
		case err == nil:
			p.states[chunk.Number()] = StateUploaded
		case errorsx.HasReason(err, errorsx.ReasonTokenInvalid):
			p.states[chunk.Number()] = StateParked
			p.parked = append(p.parked, chunk)
			parkedNow = true
			notify = p.onAuthFailure
		default:
			p.states[chunk.Number()] = StateFailed
		}
		p.inflight = false
		p.cond.Broadcast()
		p.mu.Unlock()

		if notify != nil {
			p.authOnce.Do(func() { go notify() })
		}
		if !parkedNow {
			frames.ReleaseChunkFrame(chunk)
		}
	}
}

func (p *Pipeline) uploadWithRetry(chunk frames.ChunkFrame) error {
	attempt := 0
	policy := resilience.RetryPolicy{
		MaxAttempts: p.cfg.MaxAttempts,
		BaseDelay:   p.cfg.BaseDelay,
		IsRetryable: errorsx.Retryable,
		Sleep:       p.cfg.Sleep,
	}
	err := policy.Do(p.ctx, func(ctx context.Context) error {
		attempt++
		uploadErr := p.uploader.UploadChunk(ctx, chunk)
		if uploadErr != nil {
			p.log.Warn("chunk_upload_failed",
				slog.String("session_id", p.sessionID),
				slog.Int("chunk_number", chunk.Number()),
				slog.Int("attempt", attempt),
				slog.String("reason", string(errorsx.Reason(uploadErr))),
				slog.String("error", uploadErr.Error()))
			p.obs.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventUploadRetry,
				Time:  time.Now(),
				Value: float64(attempt),
				Tags:  p.chunkTags(chunk),
			})
		}
		return uploadErr
	})
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonTokenInvalid) {
			// Not a gap: the audio is intact, only the token is dead. The
			// chunk is parked for re-upload under a replacement session.
			p.log.Warn("chunk_upload_parked",
				slog.String("session_id", p.sessionID),
				slog.Int("chunk_number", chunk.Number()),
				slog.String("error", err.Error()))
			return err
		}
		p.log.Error("chunk_upload_exhausted",
			slog.String("session_id", p.sessionID),
			slog.Int("chunk_number", chunk.Number()),
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()))
		p.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventUploadGap,
			Time: time.Now(),
			Tags: p.chunkTags(chunk),
		})
		return errorsx.Wrap(err, errorsx.ReasonUploadExhausted)
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventChunkUploaded,
		Time:  time.Now(),
		Value: chunk.Duration().Seconds(),
		Tags:  p.chunkTags(chunk),
	})
	p.log.Info("chunk_uploaded",
		slog.String("session_id", p.sessionID),
		slog.Int("chunk_number", chunk.Number()),
		slog.Int("attempts", attempt))
	return nil
}

func (p *Pipeline) chunkTags(chunk frames.ChunkFrame) map[string]string {
	return map[string]string{
		frames.MetaSessionID:   p.sessionID,
		frames.MetaChunkNumber: strconv.Itoa(chunk.Number()),
	}
}

// Drain blocks until the queue is empty and no upload is in flight, or the
// timeout elapses. It returns how many chunks remain un-uploaded.
func (p *Pipeline) Drain(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer wake.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for (len(p.queue) > 0 || p.inflight) && time.Now().Before(deadline) {
		p.cond.Wait()
	}
	return len(p.queue) + inflightCount(p.inflight)
}

func inflightCount(inflight bool) int {
	if inflight {
		return 1
	}
	return 0
}

// TakeParked removes and returns the chunks set aside after their session
// token died, in arrival order. Ownership of the frames moves to the caller.
func (p *Pipeline) TakeParked() []frames.ChunkFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.parked
	p.parked = nil
	for _, ch := range out {
		delete(p.states, ch.Number())
	}
	return out
}

// Gaps lists chunk numbers abandoned after exhausting retries, ascending.
func (p *Pipeline) Gaps() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for n, st := range p.states {
		if st == StateFailed {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// ChunkState reports the pipeline's view of one chunk.
func (p *Pipeline) ChunkState(number int) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[number]
	return st, ok
}

// Close stops accepting chunks and cancels the worker after the queue is
// drained by the caller (or abandoned).
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.cancel()
}
