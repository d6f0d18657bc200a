package consult

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribeflow/pkg/backend"
	"github.com/harunnryd/scribeflow/pkg/capture"
	"github.com/harunnryd/scribeflow/pkg/consult/snapshot"
	"github.com/harunnryd/scribeflow/pkg/errorsx"
	"github.com/harunnryd/scribeflow/pkg/frames"
	"github.com/harunnryd/scribeflow/pkg/logging"
	"github.com/harunnryd/scribeflow/pkg/metrics"
	"github.com/harunnryd/scribeflow/pkg/reconcile"
	"github.com/harunnryd/scribeflow/pkg/resilience"
	"github.com/harunnryd/scribeflow/pkg/upload"
)

type Config struct {
	Capture   capture.Config
	Upload    upload.Config
	Reconcile reconcile.Config
	// DrainTimeout bounds how long session completion waits for queued
	// uploads before reporting the remainder as gaps.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Machine drives the recording lifecycle of one consultation: Ready ->
// Recording <-> Paused -> Completed. Each recording stretch is its own
// backend session with its own capability token; resuming always mints a new
// session and never reuses the old token.
type Machine struct {
	cfg      Config
	client   backend.Client
	provider capture.Provider
	rec      *reconcile.Reconciler
	fsm      *stateMachine
	log      *slog.Logger
	obs      metrics.Observer

	target    Target
	snapshots *snapshot.Store

	// opMu serializes lifecycle operations; mu guards the fields below.
	opMu sync.Mutex
	mu   sync.Mutex

	consultation backend.Consultation
	sessions     []SessionRecord
	active       *activeRecording
	restored     *snapshot.Snapshot
}

type activeRecording struct {
	session    backend.Session
	controller *capture.Controller
	pipeline   *upload.Pipeline
}

func NewMachine(cfg Config, client backend.Client, provider capture.Provider, target Target) *Machine {
	m := &Machine{
		cfg:      cfg.withDefaults(),
		client:   client,
		provider: provider,
		rec:      reconcile.New(cfg.Reconcile),
		fsm:      newStateMachine(target.ID),
		log:      logging.NewComponentLogger(slog.Default(), "consult"),
		obs:      metrics.NoopObserver{},
		target:   target,
	}
	m.fsm.AddListener(machineStateLogger{m})
	return m
}

func (m *Machine) SetObserver(obs metrics.Observer) {
	if obs != nil {
		m.obs = obs
		m.rec.SetObserver(obs)
	}
}

// SetSnapshotStore enables durable pause snapshots.
func (m *Machine) SetSnapshotStore(store *snapshot.Store) {
	m.snapshots = store
}

func (m *Machine) AddListener(listener StateListener) {
	m.fsm.AddListener(listener)
}

func (m *Machine) State() State { return m.fsm.State() }

func (m *Machine) Target() Target { return m.target }

// Summary reports the machine's current status.
func (m *Machine) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Summary{
		TargetID:       m.target.ID,
		ConsultationID: m.consultation.ID,
		State:          m.fsm.State(),
	}
	out.Sessions = make([]SessionRecord, len(m.sessions))
	copy(out.Sessions, m.sessions)
	if m.active != nil {
		out.ActiveSession = m.active.session.ID
	}
	return out
}

// StartRecording creates the consultation (first start only) and the first
// recording session, then begins capture.
func (m *Machine) StartRecording(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if st := m.fsm.State(); st != StateReady {
		return errorsx.Wrap(&InvalidTransitionError{From: st, To: StateRecording}, errorsx.ReasonTransition)
	}

	m.mu.Lock()
	consultationID := m.consultation.ID
	m.mu.Unlock()
	if consultationID == "" {
		consultation, err := m.client.CreateConsultation(ctx, m.target.ID)
		if err != nil {
			return fmt.Errorf("start recording: %w", err)
		}
		m.mu.Lock()
		m.consultation = consultation
		m.mu.Unlock()
		consultationID = consultation.ID
	}

	if err := m.startSession(ctx, consultationID); err != nil {
		return err
	}
	return m.fsm.Transition(StateRecording, "start")
}

// startSession mints a backend session and wires a fresh pipeline+controller
// around its capability token.
func (m *Machine) startSession(ctx context.Context, consultationID string) error {
	session, err := m.client.CreateSession(ctx, consultationID)
	if err != nil {
		return err
	}
	pipeline := m.newSessionPipeline(session)

	controller := capture.NewController(m.cfg.Capture, m.provider, pipeline, session.ID, uuid.NewString())
	controller.SetObserver(m.obs)
	controller.SetFailureHandler(func(captureErr error) {
		m.log.Error("capture_lost",
			slog.String("session_id", session.ID),
			slog.String("error", captureErr.Error()))
		if err := m.Pause(context.Background()); err != nil {
			m.log.Error("capture_lost_pause_failed",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()))
		}
	})
	if err := controller.Start(ctx); err != nil {
		pipeline.Close()
		return err
	}

	m.mu.Lock()
	m.active = &activeRecording{session: session, controller: controller, pipeline: pipeline}
	m.sessions = append(m.sessions, SessionRecord{ID: session.ID, CreatedAt: session.CreatedAt})
	m.mu.Unlock()

	m.log.Info("session_started",
		slog.String("consultation_id", consultationID),
		slog.String("session_id", session.ID))
	return nil
}

// newSessionPipeline wires an upload pipeline to one session's capability
// token and arms the token-death handler that swaps in a replacement session.
func (m *Machine) newSessionPipeline(session backend.Session) *upload.Pipeline {
	pipeline := upload.NewPipeline(m.cfg.Upload, sessionUploader{
		client:    m.client,
		token:     session.Token,
		sessionID: session.ID,
	}, session.ID)
	pipeline.SetObserver(m.obs)
	pipeline.SetAuthFailureHandler(func() {
		m.replaceDeadSession(pipeline)
	})
	return pipeline
}

// replaceDeadSession runs when the backend stops honoring the active session's
// capability token mid-recording. The dead session is finalized, a replacement
// session is minted, the parked chunks are re-enqueued under it renumbered
// from zero, and capture continues on the same source handle. If a session is
// being finalized anyway the finalizer salvages the parked chunks itself, so
// this handler backs off whenever the pipeline is no longer the active one.
func (m *Machine) replaceDeadSession(from *upload.Pipeline) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.fsm.State() != StateRecording {
		return
	}
	m.mu.Lock()
	dead := m.active
	consultationID := m.consultation.ID
	m.mu.Unlock()
	if dead == nil || dead.pipeline != from {
		return
	}

	ctx := context.Background()
	if err := dead.controller.Pause(); err != nil {
		m.log.Error("token_recovery_pause_failed",
			slog.String("session_id", dead.session.ID),
			slog.String("error", err.Error()))
	}
	dead.pipeline.Drain(m.cfg.DrainTimeout)
	salvaged := dead.pipeline.TakeParked()
	gaps := dead.pipeline.Gaps()
	dead.pipeline.Close()

	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
	m.recordSessionClose(dead.session.ID, dead.controller.ChunkCount()-len(salvaged), gaps)
	if err := m.client.CompleteSession(ctx, dead.session.Token, dead.session.ID); err != nil {
		// Best effort: the backend may have already reaped the session.
		m.log.Warn("dead_session_complete_failed",
			slog.String("session_id", dead.session.ID),
			slog.String("error", err.Error()))
	}

	session, err := m.client.CreateSession(ctx, consultationID)
	if err != nil {
		m.log.Error("token_recovery_session_failed",
			slog.String("consultation_id", consultationID),
			slog.String("error", err.Error()))
		releaseChunks(salvaged)
		if terr := m.fsm.Transition(StatePaused, "token_recovery_failed"); terr != nil {
			m.log.Error("token_recovery_transition_failed", slog.String("error", terr.Error()))
		}
		return
	}
	pipeline := m.newSessionPipeline(session)
	for i, ch := range salvaged {
		meta := ch.Meta()
		meta[frames.MetaSessionID] = session.ID
		meta[frames.MetaChunkNumber] = strconv.Itoa(i)
		requeued := frames.NewChunkFrameFromPool(meta[frames.MetaStreamID], ch.PTS(), ch.RawPayload(), i, ch.Duration(), meta)
		if err := pipeline.Enqueue(requeued); err != nil {
			m.log.Error("token_recovery_enqueue_failed",
				slog.String("session_id", session.ID),
				slog.Int("chunk_number", i),
				slog.String("error", err.Error()))
		}
		frames.ReleaseChunkFrame(ch)
	}

	m.mu.Lock()
	m.active = &activeRecording{session: session, controller: dead.controller, pipeline: pipeline}
	m.sessions = append(m.sessions, SessionRecord{ID: session.ID, CreatedAt: session.CreatedAt})
	m.mu.Unlock()

	if err := dead.controller.Rebind(ctx, session.ID, pipeline, len(salvaged)); err != nil {
		m.log.Error("token_recovery_rebind_failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		if terr := m.fsm.Transition(StatePaused, "token_recovery_rebind_failed"); terr != nil {
			m.log.Error("token_recovery_transition_failed", slog.String("error", terr.Error()))
		}
		return
	}

	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSessionRecovered,
		Time:  time.Now(),
		Value: float64(len(salvaged)),
		Tags: map[string]string{
			frames.MetaSessionID: session.ID,
			"dead_session_id":    dead.session.ID,
		},
	})
	m.log.Info("session_recovered",
		slog.String("consultation_id", consultationID),
		slog.String("dead_session_id", dead.session.ID),
		slog.String("session_id", session.ID),
		slog.Int("requeued_chunks", len(salvaged)))
}

// Pause freezes capture without sealing a chunk and persists a durable
// snapshot so the consultation survives a restart.
func (m *Machine) Pause(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if st := m.fsm.State(); st != StateRecording {
		return errorsx.Wrap(&InvalidTransitionError{From: st, To: StatePaused}, errorsx.ReasonTransition)
	}

	m.mu.Lock()
	active := m.active
	consultationID := m.consultation.ID
	m.mu.Unlock()
	if active == nil {
		return fmt.Errorf("pause: no active recording")
	}
	if err := active.controller.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}

	if m.snapshots != nil {
		snap := snapshot.Snapshot{
			TargetID:       m.target.ID,
			ConsultationID: consultationID,
			SessionID:      active.session.ID,
			Token:          active.session.Token,
			ElapsedSeconds: active.controller.Elapsed().Seconds(),
			ChunkHighWater: active.controller.ChunkCount(),
			Buffered:       active.controller.Buffered(),
		}
		if err := m.snapshots.Save(ctx, snap); err != nil {
			m.log.Error("snapshot_save_failed",
				slog.String("target_id", m.target.ID),
				slog.String("error", err.Error()))
		} else {
			m.obs.RecordEvent(metrics.MetricsEvent{
				Name: metrics.EventSnapshotPersist,
				Time: time.Now(),
				Tags: map[string]string{frames.MetaSessionID: active.session.ID},
			})
		}
	}
	return m.fsm.Transition(StatePaused, "pause")
}

// Resume finalizes the paused session and mints a brand-new one. The old
// capability token is completed and never used again.
func (m *Machine) Resume(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if st := m.fsm.State(); st != StatePaused {
		return errorsx.Wrap(&InvalidTransitionError{From: st, To: StateRecording}, errorsx.ReasonTransition)
	}

	if err := m.finalizeCurrentSession(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	m.clearSnapshot(ctx)

	m.mu.Lock()
	consultationID := m.consultation.ID
	m.mu.Unlock()
	if err := m.startSession(ctx, consultationID); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return m.fsm.Transition(StateRecording, "resume")
}

// Complete finalizes whatever session is open, drains pending uploads, and
// closes the consultation.
func (m *Machine) Complete(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	st := m.fsm.State()
	if st != StateRecording && st != StatePaused {
		return errorsx.Wrap(&InvalidTransitionError{From: st, To: StateCompleted}, errorsx.ReasonTransition)
	}

	if err := m.finalizeCurrentSession(ctx); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	m.clearSnapshot(ctx)

	m.mu.Lock()
	consultationID := m.consultation.ID
	m.mu.Unlock()
	if err := m.client.CompleteConsultation(ctx, consultationID); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	m.mu.Lock()
	m.consultation.Status = backend.ConsultationCompleted
	m.mu.Unlock()
	return m.fsm.Transition(StateCompleted, "complete")
}

// finalizeCurrentSession seals and uploads whatever audio the open session
// still holds, drains its pipeline, and completes it server-side. It handles
// both a live in-process session and one restored from a snapshot.
func (m *Machine) finalizeCurrentSession(ctx context.Context) error {
	m.mu.Lock()
	active := m.active
	restored := m.restored
	m.active = nil
	m.restored = nil
	m.mu.Unlock()

	switch {
	case active != nil:
		if err := active.controller.Stop(); err != nil {
			m.log.Error("capture_stop_failed",
				slog.String("session_id", active.session.ID),
				slog.String("error", err.Error()))
		}
		remaining := active.pipeline.Drain(m.cfg.DrainTimeout)
		if remaining > 0 {
			m.log.Warn("drain_timeout",
				slog.String("session_id", active.session.ID),
				slog.Int("remaining", remaining))
		}
		salvaged := active.pipeline.TakeParked()
		gaps := active.pipeline.Gaps()
		active.pipeline.Close()
		m.recordSessionClose(active.session.ID, active.controller.ChunkCount()-len(salvaged), gaps)
		if err := m.client.CompleteSession(ctx, active.session.Token, active.session.ID); err != nil {
			if len(salvaged) == 0 {
				return err
			}
			// The token is already dead; completion failing is expected.
			m.log.Warn("dead_session_complete_failed",
				slog.String("session_id", active.session.ID),
				slog.String("error", err.Error()))
		}
		if len(salvaged) > 0 {
			return m.reuploadParked(ctx, salvaged)
		}
		return nil

	case restored != nil:
		chunks := restored.ChunkHighWater
		if len(restored.Buffered) > 0 {
			policy := resilience.NewRetryPolicy(m.cfg.Upload.MaxAttempts, m.cfg.Upload.BaseDelay)
			policy.IsRetryable = errorsx.Retryable
			policy.Sleep = m.cfg.Upload.Sleep
			err := policy.Do(ctx, func(ctx context.Context) error {
				_, uploadErr := m.client.UploadChunk(ctx, restored.Token, backend.ChunkUpload{
					Number:         restored.ChunkHighWater,
					SequenceOrder:  restored.ChunkHighWater,
					Duration:       time.Duration(restored.ElapsedSeconds * float64(time.Second)),
					Data:           restored.Buffered,
					IdempotencyKey: restored.SessionID + "/" + strconv.Itoa(restored.ChunkHighWater),
				})
				return uploadErr
			})
			if err != nil {
				if errorsx.HasReason(err, errorsx.ReasonTokenInvalid) {
					// The snapshot outlived its token. Salvage the tail under
					// a replacement session instead of dropping it.
					m.recordSessionClose(restored.SessionID, restored.ChunkHighWater, nil)
					if cerr := m.client.CompleteSession(ctx, restored.Token, restored.SessionID); cerr != nil {
						m.log.Warn("dead_session_complete_failed",
							slog.String("session_id", restored.SessionID),
							slog.String("error", cerr.Error()))
					}
					tail := frames.NewChunkFrame("", 0, restored.Buffered, restored.ChunkHighWater,
						time.Duration(restored.ElapsedSeconds*float64(time.Second)), nil)
					return m.reuploadParked(ctx, []frames.ChunkFrame{tail})
				}
				m.log.Error("restored_tail_upload_failed",
					slog.String("session_id", restored.SessionID),
					slog.String("error", err.Error()))
			} else {
				chunks++
			}
		}
		m.recordSessionClose(restored.SessionID, chunks, nil)
		return m.client.CompleteSession(ctx, restored.Token, restored.SessionID)

	default:
		return nil
	}
}

// reuploadParked mints a replacement session during finalization and moves
// chunks stranded by a dead token into it, renumbered from zero. Frames are
// released here regardless of outcome.
func (m *Machine) reuploadParked(ctx context.Context, salvaged []frames.ChunkFrame) error {
	defer releaseChunks(salvaged)

	m.mu.Lock()
	consultationID := m.consultation.ID
	m.mu.Unlock()
	session, err := m.client.CreateSession(ctx, consultationID)
	if err != nil {
		return fmt.Errorf("salvage session: %w", err)
	}

	policy := resilience.NewRetryPolicy(m.cfg.Upload.MaxAttempts, m.cfg.Upload.BaseDelay)
	policy.IsRetryable = errorsx.Retryable
	policy.Sleep = m.cfg.Upload.Sleep
	var gaps []int
	for i, ch := range salvaged {
		number := i
		data := ch.RawPayload()
		dur := ch.Duration()
		uploadErr := policy.Do(ctx, func(ctx context.Context) error {
			_, err := m.client.UploadChunk(ctx, session.Token, backend.ChunkUpload{
				Number:         number,
				SequenceOrder:  number,
				Duration:       dur,
				Data:           data,
				IdempotencyKey: session.ID + "/" + strconv.Itoa(number),
			})
			return err
		})
		if uploadErr != nil {
			m.log.Error("salvage_upload_failed",
				slog.String("session_id", session.ID),
				slog.Int("chunk_number", number),
				slog.String("error", uploadErr.Error()))
			gaps = append(gaps, number)
		}
	}

	m.recordSessionClose(session.ID, len(salvaged)-len(gaps), gaps)
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSessionRecovered,
		Time:  time.Now(),
		Value: float64(len(salvaged)),
		Tags:  map[string]string{frames.MetaSessionID: session.ID},
	})
	m.log.Info("session_recovered",
		slog.String("consultation_id", consultationID),
		slog.String("session_id", session.ID),
		slog.Int("requeued_chunks", len(salvaged)))
	return m.client.CompleteSession(ctx, session.Token, session.ID)
}

func releaseChunks(chunks []frames.ChunkFrame) {
	for _, ch := range chunks {
		frames.ReleaseChunkFrame(ch)
	}
}

func (m *Machine) recordSessionClose(sessionID string, chunks int, gaps []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].ID == sessionID {
			m.sessions[i].Chunks = chunks
			m.sessions[i].Gaps = gaps
			return
		}
	}
	m.sessions = append(m.sessions, SessionRecord{ID: sessionID, Chunks: chunks, Gaps: gaps})
}

func (m *Machine) clearSnapshot(ctx context.Context) {
	if m.snapshots == nil {
		return
	}
	if err := m.snapshots.Delete(ctx, m.target.ID); err != nil {
		m.log.Error("snapshot_delete_failed",
			slog.String("target_id", m.target.ID),
			slog.String("error", err.Error()))
	}
}

// Restore loads a paused snapshot for this target, if one exists, and puts
// the machine into Paused with the snapshot pending finalization. Call before
// the first StartRecording.
func (m *Machine) Restore(ctx context.Context) (bool, error) {
	if m.snapshots == nil {
		return false, nil
	}
	if st := m.fsm.State(); st != StateReady {
		return false, fmt.Errorf("restore: machine already %s", st)
	}
	snap, ok, err := m.snapshots.Load(ctx, m.target.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	m.mu.Lock()
	m.consultation = backend.Consultation{
		ID:       snap.ConsultationID,
		TargetID: snap.TargetID,
		Status:   backend.ConsultationInProgress,
	}
	m.restored = &snap
	m.sessions = append(m.sessions, SessionRecord{ID: snap.SessionID, CreatedAt: snap.SavedAt})
	m.mu.Unlock()
	m.fsm.restore(StatePaused)

	m.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSnapshotRestored,
		Time: time.Now(),
		Tags: map[string]string{frames.MetaSessionID: snap.SessionID},
	})
	m.log.Info("snapshot_restored",
		slog.String("target_id", m.target.ID),
		slog.String("consultation_id", snap.ConsultationID),
		slog.String("session_id", snap.SessionID))
	return true, nil
}

// segmentPoller is satisfied by clients that can wait for transcription to
// finish instead of taking a single snapshot of the segments.
type segmentPoller interface {
	PollSegments(ctx context.Context, consultationID string) ([]backend.Segment, error)
}

// Transcript fetches every session's segments, orders them by session
// creation then chunk number, and reconciles them into one narrative.
func (m *Machine) Transcript(ctx context.Context) (string, error) {
	if st := m.fsm.State(); st != StateCompleted {
		return "", fmt.Errorf("transcript: consultation still %s", st)
	}
	m.mu.Lock()
	consultationID := m.consultation.ID
	order := make(map[string]int, len(m.sessions))
	for i, s := range m.sessions {
		order[s.ID] = i
	}
	m.mu.Unlock()

	var segments []backend.Segment
	var err error
	if poller, ok := m.client.(segmentPoller); ok {
		segments, err = poller.PollSegments(ctx, consultationID)
	} else {
		segments, err = m.client.FetchSegments(ctx, consultationID)
	}
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("transcript: %w", err), errorsx.ReasonTranscript)
	}

	sort.SliceStable(segments, func(i, j int) bool {
		a, b := segments[i], segments[j]
		if a.SessionID != b.SessionID {
			ai, aok := order[a.SessionID]
			bi, bok := order[b.SessionID]
			if aok && bok {
				return ai < bi
			}
			return a.SessionCreatedAt.Before(b.SessionCreatedAt)
		}
		return a.ChunkNumber < b.ChunkNumber
	})
	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		texts = append(texts, seg.Text)
	}
	return m.rec.Reconcile(texts), nil
}

// machineStateLogger mirrors lifecycle transitions into logs and metrics.
type machineStateLogger struct{ m *Machine }

func (l machineStateLogger) OnStateChange(event StateChange) {
	l.m.log.Info("session_state",
		slog.String("target_id", event.TargetID),
		slog.String("from", event.FromState.String()),
		slog.String("to", event.ToState.String()),
		slog.String("reason", event.Reason))
	l.m.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionState,
		Time: event.Timestamp,
		Tags: map[string]string{
			"target_id": event.TargetID,
			"from":      event.FromState.String(),
			"to":        event.ToState.String(),
		},
	})
}

// sessionUploader binds the backend client to one session's capability token.
// The idempotency key is stable per chunk so a retried upload that actually
// landed is not stored twice.
type sessionUploader struct {
	client    backend.Client
	token     string
	sessionID string
}

var _ upload.Uploader = sessionUploader{}

func (u sessionUploader) UploadChunk(ctx context.Context, chunk frames.ChunkFrame) error {
	_, err := u.client.UploadChunk(ctx, u.token, backend.ChunkUpload{
		Number:         chunk.Number(),
		SequenceOrder:  chunk.Number(),
		Duration:       chunk.Duration(),
		Data:           chunk.Data(),
		IdempotencyKey: u.sessionID + "/" + strconv.Itoa(chunk.Number()),
	})
	return err
}
