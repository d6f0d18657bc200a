package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/scribeflow/pkg/errorsx"
	"github.com/harunnryd/scribeflow/pkg/frames"
	"github.com/harunnryd/scribeflow/pkg/logging"
)

// streamFrame is one websocket message from the backend's incremental
// transcript/summary feed.
type streamFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	frameDelta     = "delta"
	frameKeepalive = "keepalive"
	frameEnd       = "end"
	frameError     = "error"
)

// StreamReader consumes the backend's streaming summary feed: delta frames
// carry text, keep-alives and malformed frames are skipped, an end frame
// terminates the stream cleanly and an error frame terminates it with a typed
// error.
type StreamReader struct {
	dialer *websocket.Dialer
	log    *slog.Logger
	pts    *frames.PTSGen
}

func NewStreamReader() *StreamReader {
	return &StreamReader{
		dialer: websocket.DefaultDialer,
		log:    logging.NewComponentLogger(slog.Default(), "stream"),
		pts:    frames.NewPTSGen(),
	}
}

// Read connects to url and invokes onDelta with a text frame for every delta
// until the stream ends, fails, or ctx is canceled.
func (r *StreamReader) Read(ctx context.Context, url, token string, onDelta func(frames.TextFrame)) error {
	header := map[string][]string{}
	if token != "" {
		header["Authorization"] = []string{"Bearer " + token}
	}
	conn, _, err := r.dialer.DialContext(ctx, url, header)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("dial stream: %w", err), errorsx.ReasonStreamError)
	}
	defer conn.Close()

	// Unblock ReadMessage when the caller gives up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errorsx.Wrap(fmt.Errorf("read stream: %w", err), errorsx.ReasonStreamError)
		}
		var frame streamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			r.log.Warn("stream_frame_malformed", slog.String("error", err.Error()))
			continue
		}
		switch frame.Type {
		case frameDelta:
			onDelta(frames.NewTextFrame(url, r.pts.Next(url), frame.Text,
				map[string]string{frames.MetaSource: "stream"}))
		case frameKeepalive:
			// ignored
		case frameEnd:
			return nil
		case frameError:
			return errorsx.Wrap(fmt.Errorf("stream error: %s", frame.Message), errorsx.ReasonStreamError)
		default:
			r.log.Warn("stream_frame_unknown", slog.String("type", frame.Type))
		}
	}
}
