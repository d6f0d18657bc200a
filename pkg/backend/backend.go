package backend

import (
	"context"
	"time"
)

// Consultation groups one or more recording sessions for a single subject.
type Consultation struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one recording session under a consultation. The capability token
// it carries authorizes uploads for this session only and dies with it.
type Session struct {
	ID             string    `json:"id"`
	ConsultationID string    `json:"consultation_id"`
	Token          string    `json:"token"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChunkUpload is one sealed chunk bound for the backend. IdempotencyKey is
// stable across retries of the same chunk so a retry of an upload that
// actually landed is not stored twice.
type ChunkUpload struct {
	Number         int
	SequenceOrder  int
	Duration       time.Duration
	Data           []byte
	IdempotencyKey string
}

// ChunkRecord is the backend's acknowledgment of a stored chunk.
type ChunkRecord struct {
	ID     string `json:"id"`
	Number int    `json:"chunk_number"`
	Status string `json:"status"`
}

// Segment is one chunk's transcript, tagged with enough ordering context for
// client-side reconciliation across sessions.
type Segment struct {
	SessionID        string    `json:"session_id"`
	SessionCreatedAt time.Time `json:"session_created_at"`
	ChunkNumber      int       `json:"chunk_number"`
	Text             string    `json:"text"`
}

const (
	ConsultationInProgress = "in_progress"
	ConsultationCompleted  = "completed"

	SessionActive    = "active"
	SessionCompleted = "completed"

	ChunkReceived    = "received"
	ChunkTranscribed = "transcribed"
)

// Client is the transcription backend as seen from this library. All methods
// are safe for concurrent use.
type Client interface {
	CreateConsultation(ctx context.Context, targetID string) (Consultation, error)
	CreateSession(ctx context.Context, consultationID string) (Session, error)
	// UploadChunk performs exactly one delivery attempt; the upload pipeline
	// owns retry.
	UploadChunk(ctx context.Context, token string, up ChunkUpload) (ChunkRecord, error)
	CompleteSession(ctx context.Context, token, sessionID string) error
	CompleteConsultation(ctx context.Context, consultationID string) error
	// FetchSegments returns every transcribed segment of the consultation,
	// across all of its sessions.
	FetchSegments(ctx context.Context, consultationID string) ([]Segment, error)
}
