package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/scribeflow/pkg/errorsx"
	"github.com/harunnryd/scribeflow/pkg/frames"
)

func newStreamServer(t *testing.T, frames []string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamCollectsDeltasAndStopsAtEnd(t *testing.T) {
	url := newStreamServer(t, []string{
		`{"type":"delta","text":"The patient "}`,
		`{"type":"keepalive"}`,
		`{"type":"delta","text":"is stable."}`,
		`{"type":"end"}`,
		`{"type":"delta","text":"never delivered"}`,
	})
	var got strings.Builder
	var lastPTS int64
	err := NewStreamReader().Read(context.Background(), url, "tok", func(f frames.TextFrame) {
		got.WriteString(f.Text())
		if f.PTS() <= lastPTS {
			t.Errorf("pts not increasing: %d after %d", f.PTS(), lastPTS)
		}
		lastPTS = f.PTS()
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.String() != "The patient is stable." {
		t.Fatalf("deltas %q", got.String())
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	url := newStreamServer(t, []string{
		`not json at all`,
		`{"type":"delta","text":"kept"}`,
		`{"type":"end"}`,
	})
	var got strings.Builder
	err := NewStreamReader().Read(context.Background(), url, "", func(f frames.TextFrame) {
		got.WriteString(f.Text())
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.String() != "kept" {
		t.Fatalf("deltas %q", got.String())
	}
}

func TestStreamErrorFrameIsTyped(t *testing.T) {
	url := newStreamServer(t, []string{
		`{"type":"delta","text":"partial"}`,
		`{"type":"error","message":"summarizer crashed"}`,
	})
	err := NewStreamReader().Read(context.Background(), url, "", func(frames.TextFrame) {})
	if err == nil {
		t.Fatalf("expected stream error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonStreamError) {
		t.Fatalf("reason %s", errorsx.Reason(err))
	}
}
