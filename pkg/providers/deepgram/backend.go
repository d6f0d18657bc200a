package deepgram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribeflow/pkg/backend"
	"github.com/harunnryd/scribeflow/pkg/errorsx"
)

// Backend keeps consultations and sessions in memory and transcribes each
// uploaded chunk through Deepgram as it lands.
type Backend struct {
	transcriber *ChunkTranscriber

	mu            sync.Mutex
	consultations map[string]*devConsultation
	sessions      map[string]*devSession
	tokens        map[string]string
}

type devConsultation struct {
	consultation backend.Consultation
	sessionIDs   []string
}

type devSession struct {
	session  backend.Session
	status   string
	segments map[int]string
	seenKeys map[string]bool
}

var _ backend.Client = (*Backend)(nil)

func NewBackend(cfg Config) *Backend {
	return &Backend{
		transcriber:   NewChunkTranscriber(cfg),
		consultations: make(map[string]*devConsultation),
		sessions:      make(map[string]*devSession),
		tokens:        make(map[string]string),
	}
}

func (b *Backend) CreateConsultation(_ context.Context, targetID string) (backend.Consultation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := backend.Consultation{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		Status:    backend.ConsultationInProgress,
		CreatedAt: time.Now(),
	}
	b.consultations[c.ID] = &devConsultation{consultation: c}
	return c, nil
}

func (b *Backend) CreateSession(_ context.Context, consultationID string) (backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	consult, ok := b.consultations[consultationID]
	if !ok {
		return backend.Session{}, errorsx.Wrap(
			fmt.Errorf("unknown consultation %s", consultationID), errorsx.ReasonSessionCreate)
	}
	s := backend.Session{
		ID:             uuid.NewString(),
		ConsultationID: consultationID,
		Token:          uuid.NewString(),
		CreatedAt:      time.Now(),
	}
	b.sessions[s.ID] = &devSession{
		session:  s,
		status:   backend.SessionActive,
		segments: make(map[int]string),
		seenKeys: make(map[string]bool),
	}
	b.tokens[s.Token] = s.ID
	consult.sessionIDs = append(consult.sessionIDs, s.ID)
	return s, nil
}

func (b *Backend) UploadChunk(ctx context.Context, token string, up backend.ChunkUpload) (backend.ChunkRecord, error) {
	b.mu.Lock()
	sessionID, ok := b.tokens[token]
	if !ok {
		b.mu.Unlock()
		return backend.ChunkRecord{}, errorsx.Wrap(
			fmt.Errorf("unknown or expired capability token"), errorsx.ReasonTokenInvalid)
	}
	session := b.sessions[sessionID]
	if up.IdempotencyKey != "" && session.seenKeys[up.IdempotencyKey] {
		b.mu.Unlock()
		return backend.ChunkRecord{Number: up.Number, Status: backend.ChunkTranscribed}, nil
	}
	b.mu.Unlock()

	// Transcription happens outside the lock; it is the slow part.
	text, err := b.transcriber.TranscribeChunk(ctx, up.Data)
	if err != nil {
		return backend.ChunkRecord{}, err
	}

	b.mu.Lock()
	if up.IdempotencyKey != "" {
		session.seenKeys[up.IdempotencyKey] = true
	}
	session.segments[up.Number] = text
	b.mu.Unlock()
	return backend.ChunkRecord{ID: uuid.NewString(), Number: up.Number, Status: backend.ChunkTranscribed}, nil
}

func (b *Backend) CompleteSession(_ context.Context, token, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[sessionID]
	if !ok {
		return errorsx.Wrap(fmt.Errorf("unknown session %s", sessionID), errorsx.ReasonSessionComplete)
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
