package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/scribeflow/pkg/backend"
	"github.com/harunnryd/scribeflow/pkg/errorsx"
)

func TestTokenDiesWithSession(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	consultation, err := b.CreateConsultation(ctx, "patient-1")
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	session, err := b.CreateSession(ctx, consultation.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := b.UploadChunk(ctx, session.Token, backend.ChunkUpload{Number: 0, Data: []byte("x")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !b.TokenLive(session.Token) {
		t.Fatalf("token should be live while the session is active")
	}
	if err := b.CompleteSession(ctx, session.Token, session.ID); err != nil {
		t.Fatalf("complete session: %v", err)
	}
	if b.TokenLive(session.Token) {
		t.Fatalf("token should die with the session")
	}
	_, err = b.UploadChunk(ctx, session.Token, backend.ChunkUpload{Number: 1, Data: []byte("y")})
	if !errorsx.HasReason(err, errorsx.ReasonTokenInvalid) {
		t.Fatalf("expected dead token, got %v", err)
	}
}

func TestIdempotencyKeyDeduplicatesRetriedUpload(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	consultation, _ := b.CreateConsultation(ctx, "patient-1")
	session, _ := b.CreateSession(ctx, consultation.ID)

	up := backend.ChunkUpload{Number: 0, Data: []byte("hello"), IdempotencyKey: session.ID + "/0"}
	if _, err := b.UploadChunk(ctx, session.Token, up); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	// A retry of an upload that actually landed must not store a second copy.
	up.Data = []byte("hello again")
	if _, err := b.UploadChunk(ctx, session.Token, up); err != nil {
		t.Fatalf("retried upload: %v", err)
	}
	segments := b.SessionSegments(session.ID)
	if len(segments) != 1 || segments[0] != "hello" {
		t.Fatalf("segments %v", segments)
	}
	// Both attempts count as uploads even though only one stored.
	if got := b.UploadCount(); got != 2 {
		t.Fatalf("upload count %d", got)
	}
}

func TestInjectedFailuresAreTransient(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	consultation, _ := b.CreateConsultation(ctx, "patient-1")
	session, _ := b.CreateSession(ctx, consultation.ID)
	b.FailUploads(session.ID, 0, 1)

	_, err := b.UploadChunk(ctx, session.Token, backend.ChunkUpload{Number: 0, Data: []byte("x")})
	if !errorsx.HasReason(err, errorsx.ReasonUploadTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	// Injection consumed; the retry lands.
	if _, err := b.UploadChunk(ctx, session.Token, backend.ChunkUpload{Number: 0, Data: []byte("x")}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestFailWithOverridesInjectedError(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	consultation, _ := b.CreateConsultation(ctx, "patient-1")
	session, _ := b.CreateSession(ctx, consultation.ID)
	b.FailUploads(session.ID, 0, 1)
	b.FailWith(errorsx.Wrap(errors.New("token revoked"), errorsx.ReasonTokenInvalid))

	_, err := b.UploadChunk(ctx, session.Token, backend.ChunkUpload{Number: 0, Data: []byte("x")})
	if !errorsx.HasReason(err, errorsx.ReasonTokenInvalid) {
		t.Fatalf("expected injected auth failure, got %v", err)
	}
}

func TestSegmentsCarrySessionCreationTime(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()
	created := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return created })

	consultation, _ := b.CreateConsultation(ctx, "patient-1")
	session, _ := b.CreateSession(ctx, consultation.ID)
	if _, err := b.UploadChunk(ctx, session.Token, backend.ChunkUpload{Number: 0, Data: []byte("x")}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	segments, err := b.FetchSegments(ctx, consultation.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("segments %v", segments)
	}
	if !segments[0].SessionCreatedAt.Equal(created) {
		t.Fatalf("session created at %v, want %v", segments[0].SessionCreatedAt, created)
	}
}
