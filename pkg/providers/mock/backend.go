package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribeflow/pkg/backend"
	"github.com/harunnryd/scribeflow/pkg/errorsx"
)

// Backend is an in-memory transcription backend. Transcription is scripted:
// by default a chunk's "transcript" is its payload interpreted as text, which
// keeps test fixtures readable.
type Backend struct {
	// Transcribe converts chunk audio to text. Defaults to string(data).
	Transcribe func(data []byte) string

	mu            sync.Mutex
	consultations map[string]*mockConsultation
	sessions      map[string]*mockSession // keyed by session ID
	tokens        map[string]string       // live token -> session ID
	failures      map[string]int          // "sessionID/number" -> remaining transient failures
	failWith      error
	uploads       int
	now           func() time.Time
}

type mockConsultation struct {
	consultation backend.Consultation
	sessionIDs   []string
}

type mockSession struct {
	session backend.Session
	status  string
	// segments keyed by chunk number; idempotency keys seen so far.
	segments map[int]string
	seenKeys map[string]bool
}

var _ backend.Client = (*Backend)(nil)

func NewBackend() *Backend {
	return &Backend{
		consultations: make(map[string]*mockConsultation),
		sessions:      make(map[string]*mockSession),
		tokens:        make(map[string]string),
		failures:      make(map[string]int),
		now:           time.Now,
	}
}

// FailUploads makes the next n upload attempts for the chunk fail with a
// transient error (or failWith when set via FailWith).
func (b *Backend) FailUploads(sessionID string, number, n int) {
	b.mu.Lock()
	b.failures[fmt.Sprintf("%s/%d", sessionID, number)] = n
	b.mu.Unlock()
}

// FailWith overrides the injected failure error.
func (b *Backend) FailWith(err error) {
	b.mu.Lock()
	b.failWith = err
	b.mu.Unlock()
}

// RevokeSessionToken kills the session's capability token without completing
// the session, simulating server-side expiry.
func (b *Backend) RevokeSessionToken(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok {
		delete(b.tokens, s.session.Token)
	}
}

// SetClock overrides session timestamps, for tests.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

func (b *Backend) CreateConsultation(_ context.Context, targetID string) (backend.Consultation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := backend.Consultation{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		Status:    backend.ConsultationInProgress,
		CreatedAt: b.now(),
	}
	b.consultations[c.ID] = &mockConsultation{consultation: c}
	return c, nil
}

func (b *Backend) CreateSession(_ context.Context, consultationID string) (backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	consult, ok := b.consultations[consultationID]
	if !ok {
		// A restored consultation may predate this process; register it.
		consult = &mockConsultation{consultation: backend.Consultation{
			ID:     consultationID,
			Status: backend.ConsultationInProgress,
		}}
		b.consultations[consultationID] = consult
	}
	s := backend.Session{
		ID:             uuid.NewString(),
		ConsultationID: consultationID,
		Token:          uuid.NewString(),
		CreatedAt:      b.now(),
	}
	b.sessions[s.ID] = &mockSession{
		session:  s,
		status:   backend.SessionActive,
		segments: make(map[int]string),
		seenKeys: make(map[string]bool),
	}
	b.tokens[s.Token] = s.ID
	consult.sessionIDs = append(consult.sessionIDs, s.ID)
	return s, nil
}

func (b *Backend) UploadChunk(_ context.Context, token string, up backend.ChunkUpload) (backend.ChunkRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sessionID, ok := b.tokens[token]
	if !ok {
		return backend.ChunkRecord{}, errorsx.Wrap(
			fmt.Errorf("unknown or expired capability token"), errorsx.ReasonTokenInvalid)
	}
	session := b.sessions[sessionID]
	b.uploads++

	key := fmt.Sprintf("%s/%d", sessionID, up.Number)
	if b.failures[key] > 0 {
		b.failures[key]--
		if b.failWith != nil {
			return backend.ChunkRecord{}, b.failWith
		}
		return backend.ChunkRecord{}, errorsx.Wrap(
			fmt.Errorf("storage temporarily unavailable"), errorsx.ReasonUploadTransient)
	}

	if up.IdempotencyKey != "" && session.seenKeys[up.IdempotencyKey] {
		return backend.ChunkRecord{Number: up.Number, Status: backend.ChunkReceived}, nil
	}
	if up.IdempotencyKey != "" {
		session.seenKeys[up.IdempotencyKey] = true
	}
	text := string(up.Data)
	if b.Transcribe != nil {
		text = b.Transcribe(up.Data)
	}
	session.segments[up.Number] = text
	return backend.ChunkRecord{ID: uuid.NewString(), Number: up.Number, Status: backend.ChunkReceived}, nil
}

func (b *Backend) CompleteSession(_ context.Context, token, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[sessionID]
	if !ok {
		// Sessions restored from a snapshot predate this process; accept the
		// completion so the client can move on.
		b.sessions[sessionID] = &mockSession{
			session:  backend.Session{ID: sessionID, Token: token},
			status:   backend.SessionCompleted,
			segments: make(map[int]string),
			seenKeys: make(map[string]bool),
		}
		delete(b.tokens, token)
		return nil
	}
	session.status = backend.SessionCompleted
	delete(b.tokens, session.session.Token)
	return nil
}

func (b *Backend) CompleteConsultation(_ context.Context, consultationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	consult, ok := b.consultations[consultationID]
	if !ok {
		return errorsx.Wrap(
			fmt.Errorf("unknown consultation %s", consultationID), errorsx.ReasonConsultComplete)
	}
	consult.consultation.Status = backend.ConsultationCompleted
	return nil
}

func (b *Backend) FetchSegments(_ context.Context, consultationID string) ([]backend.Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	consult, ok := b.consultations[consultationID]
	if !ok {
		return nil, errorsx.Wrap(
			fmt.Errorf("unknown consultation %s", consultationID), errorsx.ReasonTranscript)
	}
	var out []backend.Segment
	for _, sessionID := range consult.sessionIDs {
		session := b.sessions[sessionID]
		for number, text := range session.segments {
			out = append(out, backend.Segment{
				SessionID:        sessionID,
				SessionCreatedAt: session.session.CreatedAt,
				ChunkNumber:      number,
				Text:             text,
			})
		}
	}
	return out, nil
}

// UploadCount reports total upload attempts, including failed and
// deduplicated ones.
func (b *Backend) UploadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploads
}

// SessionSegments returns the stored segment texts of one session keyed by
// chunk number.
func (b *Backend) SessionSegments(sessionID string) map[int]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make(map[int]string, len(session.segments))
	for k, v := range session.segments {
		out[k] = v
	}
	return out
}

// SessionStatus returns the session's lifecycle status.
func (b *Backend) SessionStatus(sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if session, ok := b.sessions[sessionID]; ok {
		return session.status
	}
	return ""
}

// TokenLive reports whether the capability token still authorizes uploads.
func (b *Backend) TokenLive(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tokens[token]
	return ok
}

// ConsultationStatus returns the consultation's status.
func (b *Backend) ConsultationStatus(consultationID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if consult, ok := b.consultations[consultationID]; ok {
		return consult.consultation.Status
	}
	return ""
}
