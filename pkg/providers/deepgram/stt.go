// Package deepgram is a development backend: sealed chunks are transcribed
// locally through the Deepgram streaming SDK instead of a remote dictation
// service. The remote HTTP backend remains the production path.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/scribeflow/pkg/configutil"
	"github.com/harunnryd/scribeflow/pkg/errorsx"
	"github.com/harunnryd/scribeflow/pkg/logging"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	Encoding   string
	SampleRate int
	// SmartFormat toggles Deepgram's punctuation and formatting. Nil means on.
	SmartFormat *bool
	// Timeout bounds one chunk's transcription round trip.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// ChunkTranscriber transcribes one sealed chunk per call over a fresh
// streaming connection. Chunks are self-contained audio, so there is no
// cross-chunk connection state to keep.
type ChunkTranscriber struct {
	cfg Config
	log *slog.Logger
}

func NewChunkTranscriber(cfg Config) *ChunkTranscriber {
	return &ChunkTranscriber{
		cfg: cfg.withDefaults(),
		log: logging.NewComponentLogger(slog.Default(), "deepgram"),
	}
}

func (t *ChunkTranscriber) TranscribeChunk(ctx context.Context, data []byte) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	cb := newCollectCallback(t.log)

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:       t.cfg.Model,
		Language:    t.cfg.Language,
		Encoding:    t.cfg.Encoding,
		SampleRate:  t.cfg.SampleRate,
		SmartFormat: configutil.BoolValue(t.cfg.SmartFormat, true),
	}

	dgClient, err := client.NewWSUsingCallback(ctx, t.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("create deepgram client: %w", err), errorsx.ReasonUploadTransient)
	}
	if connected := dgClient.Connect(); !connected {
		return "", errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonUploadTransient)
	}
	defer dgClient.Stop()

	pipeReader, pipeWriter := io.Pipe()
	go func() {
		if streamErr := dgClient.Stream(pipeReader); streamErr != nil && ctx.Err() == nil {
			t.log.Error("deepgram_stream_error", slog.String("error", streamErr.Error()))
		}
	}()

	if _, err := pipeWriter.Write(data); err != nil {
		_ = pipeWriter.Close()
		return "", errorsx.Wrap(fmt.Errorf("send audio: %w", err), errorsx.ReasonUploadTransient)
	}
	_ = pipeWriter.Close()

	select {
	case <-cb.done:
	case <-ctx.Done():
	}
	if err := cb.err(); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("deepgram: %w", err), errorsx.ReasonUploadTransient)
	}
	return cb.text(), nil
}

// collectCallback accumulates final transcripts for one chunk.
type collectCallback struct {
	log  *slog.Logger
	done chan struct{}

	mu       sync.Mutex
	parts    []string
	lastErr  error
	doneOnce sync.Once
}

func newCollectCallback(log *slog.Logger) *collectCallback {
	return &collectCallback{log: log, done: make(chan struct{})}
}

func (c *collectCallback) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.parts, " ")
}

func (c *collectCallback) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *collectCallback) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *collectCallback) Open(or *msginterfaces.OpenResponse) error {
	c.log.Debug("deepgram_connection_opened")
	return nil
}

func (c *collectCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	if mr.IsFinal || mr.SpeechFinal {
		c.mu.Lock()
		c.parts = append(c.parts, transcript)
		c.mu.Unlock()
	}
	return nil
}

func (c *collectCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.log.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *collectCallback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *collectCallback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *collectCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.log.Debug("deepgram_connection_closed")
	c.finish()
	return nil
}

func (c *collectCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.mu.Lock()
	c.lastErr = fmt.Errorf("%s: %s", er.ErrCode, er.ErrMsg)
	c.mu.Unlock()
	c.log.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.finish()
	return nil
}

func (c *collectCallback) UnhandledEvent(byData []byte) error {
	c.log.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}
