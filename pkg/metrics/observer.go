package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the capture/upload/lifecycle components.
const (
	EventChunkSealed      = "chunk_sealed"
	EventChunkUploaded    = "chunk_uploaded"
	EventUploadRetry      = "upload_retry"
	EventUploadGap        = "upload_gap"
	EventSessionState     = "session_state"
	EventSessionRecovered = "session_recovered"
	EventReconcileMerge   = "reconcile_merge"
	EventSnapshotPersist  = "snapshot_persist"
	EventSnapshotRestored = "snapshot_restored"
)
