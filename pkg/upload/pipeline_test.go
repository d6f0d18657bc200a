package upload

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/scribeflow/pkg/errorsx"
	"github.com/harunnryd/scribeflow/pkg/frames"
)

type scriptedUploader struct {
	mu sync.Mutex
	// failures maps chunk number to how many attempts fail before success.
	failures map[int]int
	failWith error
	attempts map[int]int
	order    []int
	block    chan struct{}
}

func newScriptedUploader() *scriptedUploader {
	return &scriptedUploader{
		failures: make(map[int]int),
		attempts: make(map[int]int),
	}
}

func (u *scriptedUploader) UploadChunk(_ context.Context, chunk frames.ChunkFrame) error {
	if u.block != nil {
		<-u.block
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	n := chunk.Number()
	u.attempts[n]++
	if u.failures[n] > 0 {
		u.failures[n]--
		if u.failWith != nil {
			return u.failWith
		}
		return errorsx.Wrap(errors.New("backend unavailable"), errorsx.ReasonUploadTransient)
	}
	u.order = append(u.order, n)
	return nil
}

func (u *scriptedUploader) uploaded() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]int, len(u.order))
	copy(out, u.order)
	return out
}

func (u *scriptedUploader) attemptCount(n int) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.attempts[n]
}

func testChunk(number int) frames.ChunkFrame {
	return frames.NewChunkFrame("stream-1", int64(number), []byte("audio-"+strconv.Itoa(number)), number, 15*time.Second, nil)
}

func TestUploadsStrictlyInOrder(t *testing.T) {
	uploader := newScriptedUploader()
	p := NewPipeline(Config{Sleep: func(time.Duration) {}}, uploader, "sess-1")
	defer p.Close()

	for i := 0; i < 5; i++ {
		if err := p.Enqueue(testChunk(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if remaining := p.Drain(2 * time.Second); remaining != 0 {
		t.Fatalf("drain left %d chunks", remaining)
	}
	got := uploader.uploaded()
	for i, n := range got {
		if n != i {
			t.Fatalf("upload order broken: %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 uploads, got %d", len(got))
	}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	uploader := newScriptedUploader()
	uploader.failures[0] = 2 // fail twice, succeed on third attempt

	var mu sync.Mutex
	var delays []time.Duration
	p := NewPipeline(Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Sleep: func(d time.Duration) {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
		},
	}, uploader, "sess-1")
	defer p.Close()

	if err := p.Enqueue(testChunk(0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if remaining := p.Drain(2 * time.Second); remaining != 0 {
		t.Fatalf("drain left %d chunks", remaining)
	}
	if got := uploader.attemptCount(0); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if st, _ := p.ChunkState(0); st != StateUploaded {
		t.Fatalf("chunk state %s, want %s", st, StateUploaded)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("backoff %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestExhaustedRetriesBecomeGapAndQueueContinues(t *testing.T) {
	uploader := newScriptedUploader()
	uploader.failures[0] = 10 // never succeeds within 3 attempts

	p := NewPipeline(Config{MaxAttempts: 3, Sleep: func(time.Duration) {}}, uploader, "sess-1")
	defer p.Close()

	if err := p.Enqueue(testChunk(0)); err != nil {
		t.Fatalf("enqueue 0: %v", err)
	}
	if err := p.Enqueue(testChunk(1)); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if remaining := p.Drain(2 * time.Second); remaining != 0 {
		t.Fatalf("drain left %d chunks", remaining)
	}
	if got := uploader.attemptCount(0); got != 3 {
		t.Fatalf("chunk 0 attempts = %d, want 3", got)
	}
	if st, _ := p.ChunkState(0); st != StateFailed {
		t.Fatalf("chunk 0 state %s, want %s", st, StateFailed)
	}
	if st, _ := p.ChunkState(1); st != StateUploaded {
		t.Fatalf("chunk 1 state %s, want %s", st, StateUploaded)
	}
	gaps := p.Gaps()
	if len(gaps) != 1 || gaps[0] != 0 {
		t.Fatalf("gaps = %v, want [0]", gaps)
	}
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	uploader := newScriptedUploader()
	uploader.failures[0] = 10
	uploader.failWith = errorsx.Wrap(errors.New("bad chunk metadata"), errorsx.ReasonUploadValidation)

	p := NewPipeline(Config{MaxAttempts: 3, Sleep: func(time.Duration) {}}, uploader, "sess-1")
	defer p.Close()

	if err := p.Enqueue(testChunk(0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if remaining := p.Drain(2 * time.Second); remaining != 0 {
		t.Fatalf("drain left %d chunks", remaining)
	}
	if got := uploader.attemptCount(0); got != 1 {
		t.Fatalf("validation error must not retry, got %d attempts", got)
	}
	if st, _ := p.ChunkState(0); st != StateFailed {
		t.Fatalf("chunk state %s, want %s", st, StateFailed)
	}
}

func TestDeadTokenParksChunksInsteadOfGaps(t *testing.T) {
	uploader := newScriptedUploader()
	uploader.failures[0] = 10
	uploader.failures[1] = 10
	uploader.failWith = errorsx.Wrap(errors.New("unknown or expired capability token"), errorsx.ReasonTokenInvalid)

	p := NewPipeline(Config{MaxAttempts: 3, Sleep: func(time.Duration) {}}, uploader, "sess-1")
	defer p.Close()
	notified := make(chan struct{})
	p.SetAuthFailureHandler(func() { close(notified) })

	if err := p.Enqueue(testChunk(0)); err != nil {
		t.Fatalf("enqueue 0: %v", err)
	}
	if err := p.Enqueue(testChunk(1)); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if remaining := p.Drain(2 * time.Second); remaining != 0 {
		t.Fatalf("drain left %d chunks", remaining)
	}

	if got := uploader.attemptCount(0); got != 1 {
		t.Fatalf("dead token must not be retried, got %d attempts", got)
	}
	if st, _ := p.ChunkState(0); st != StateParked {
		t.Fatalf("chunk 0 state %s, want %s", st, StateParked)
	}
	if gaps := p.Gaps(); len(gaps) != 0 {
		t.Fatalf("parked chunks must not be reported as gaps: %v", gaps)
	}
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatalf("auth failure handler never fired")
	}

	parked := p.TakeParked()
	if len(parked) != 2 || parked[0].Number() != 0 || parked[1].Number() != 1 {
		t.Fatalf("parked chunks wrong: %d", len(parked))
	}
	if _, ok := p.ChunkState(0); ok {
		t.Fatalf("taken chunk must leave the state table")
	}
	if len(p.TakeParked()) != 0 {
		t.Fatalf("second take must be empty")
	}
}

func TestDrainTimeoutReportsRemaining(t *testing.T) {
	uploader := newScriptedUploader()
	uploader.block = make(chan struct{})

	p := NewPipeline(Config{Sleep: func(time.Duration) {}}, uploader, "sess-1")
	defer p.Close()

	for i := 0; i < 3; i++ {
		if err := p.Enqueue(testChunk(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	remaining := p.Drain(50 * time.Millisecond)
	if remaining != 3 {
		t.Fatalf("expected 3 un-uploaded chunks, got %d", remaining)
	}
	close(uploader.block)
	if remaining := p.Drain(2 * time.Second); remaining != 0 {
		t.Fatalf("drain after unblock left %d chunks", remaining)
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	p := NewPipeline(Config{}, newScriptedUploader(), "sess-1")
	p.Close()
	if err := p.Enqueue(testChunk(0)); err == nil {
		t.Fatalf("expected enqueue error after close")
	}
}
