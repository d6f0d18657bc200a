package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/scribeflow/pkg/frames"
	"github.com/harunnryd/scribeflow/pkg/metrics"
)

// UploadLatencyObserver logs the seal-to-uploaded latency per chunk. It keys
// traces by session and chunk number so concurrent consultations do not mix.
type UploadLatencyObserver struct {
	mu     sync.Mutex
	sealed map[string]time.Time
	log    *slog.Logger
}

func NewUploadLatencyObserver(log *slog.Logger) *UploadLatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &UploadLatencyObserver{
		sealed: make(map[string]time.Time),
		log:    log,
	}
}

func (o *UploadLatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	key := traceKey(ev.Tags)
	if key == "" {
		return
	}
	switch ev.Name {
	case metrics.EventChunkSealed:
		o.mu.Lock()
		if _, ok := o.sealed[key]; !ok {
			o.sealed[key] = ev.Time
		}
		o.mu.Unlock()
	case metrics.EventChunkUploaded:
		o.mu.Lock()
		sealedAt, ok := o.sealed[key]
		delete(o.sealed, key)
		o.mu.Unlock()
		if !ok {
			return
		}
		o.log.Info("chunk_upload_latency",
			slog.String("session_id", ev.Tags[frames.MetaSessionID]),
			slog.String("chunk_number", ev.Tags[frames.MetaChunkNumber]),
			slog.Int64("latency_ms", ev.Time.Sub(sealedAt).Milliseconds()))
	case metrics.EventUploadGap:
		// abandoned chunk, drop the pending trace
		o.mu.Lock()
		delete(o.sealed, key)
		o.mu.Unlock()
	}
}

func traceKey(tags map[string]string) string {
	if tags == nil {
		return ""
	}
	session := tags[frames.MetaSessionID]
	number := tags[frames.MetaChunkNumber]
	if session == "" || number == "" {
		return ""
	}
	return session + "/" + number
}
