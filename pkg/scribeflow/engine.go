package scribeflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/scribeflow/pkg/backend"
	"github.com/harunnryd/scribeflow/pkg/capture"
	"github.com/harunnryd/scribeflow/pkg/consult"
	"github.com/harunnryd/scribeflow/pkg/consult/snapshot"
	"github.com/harunnryd/scribeflow/pkg/logging"
	"github.com/harunnryd/scribeflow/pkg/metrics"
	"github.com/harunnryd/scribeflow/pkg/reconcile"
	"github.com/harunnryd/scribeflow/pkg/runner"
	"github.com/harunnryd/scribeflow/pkg/upload"
)

// Engine owns one lifecycle machine per target and enforces the switch rule:
// recording for a new target pauses whoever was recording before. Exactly one
// target records at a time because they share the capture device.
type Engine struct {
	cfg      Config
	client   backend.Client
	provider capture.Provider
	log      *slog.Logger
	obs      metrics.Observer

	snapshots *snapshot.Store

	mu           sync.Mutex
	machines     map[string]*consult.Machine
	activeTarget string
}

var _ runner.Drainer = (*Engine)(nil)

func NewEngine(cfg Config, client backend.Client, provider capture.Provider) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		client:   client,
		provider: provider,
		log:      logging.NewComponentLogger(slog.Default(), "engine"),
		obs:      metrics.NoopObserver{},
		machines: make(map[string]*consult.Machine),
	}
	if cfg.Snapshot.Path != "" {
		store, err := snapshot.Open(cfg.Snapshot.Path)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.snapshots = store
	}
	e.log.Info("engine_created",
		slog.String("environment", cfg.Environment),
		slog.String("backend_provider", cfg.Backend.Provider),
		slog.Bool("snapshots_enabled", e.snapshots != nil))
	return e, nil
}

func (e *Engine) SetObserver(obs metrics.Observer) {
	if obs != nil {
		e.obs = obs
	}
}

func (e *Engine) machineConfig() consult.Config {
	return consult.Config{
		Capture: capture.Config{
			ChunkDuration: e.cfg.Capture.ChunkDuration(),
			SettleDelay:   e.cfg.Capture.SettleDelay(),
			SwapWait:      e.cfg.Capture.SwapWait(),
		},
		Upload: upload.Config{
			MaxAttempts: e.cfg.Upload.MaxAttempts,
			BaseDelay:   e.cfg.Upload.BaseDelay(),
		},
		Reconcile: reconcile.Config{
			SimilarityThreshold: e.cfg.Reconcile.SimilarityThreshold,
			MinOverlap:          e.cfg.Reconcile.MinOverlap,
			MaxMismatchRatio:    e.cfg.Reconcile.MaxMismatchRatio,
			Fillers:             e.cfg.Reconcile.Fillers,
		},
		DrainTimeout: e.cfg.Upload.DrainTimeout(),
	}
}

// Register creates (or returns) the target's machine. When a durable snapshot
// exists for the target it is restored, leaving the machine Paused.
func (e *Engine) Register(ctx context.Context, target consult.Target) (*consult.Machine, error) {
	e.mu.Lock()
	if m, ok := e.machines[target.ID]; ok {
		e.mu.Unlock()
		return m, nil
	}
	m := consult.NewMachine(e.machineConfig(), e.client, e.provider, target)
	m.SetObserver(e.obs)
	if e.snapshots != nil {
		m.SetSnapshotStore(e.snapshots)
	}
	e.machines[target.ID] = m
	e.mu.Unlock()

	restored, err := m.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", target.ID, err)
	}
	if restored {
		e.log.Info("target_restored", slog.String("target_id", target.ID))
	}
	return m, nil
}

func (e *Engine) machine(targetID string) (*consult.Machine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[targetID]
	if !ok {
		return nil, fmt.Errorf("unknown target %s", targetID)
	}
	return m, nil
}

// Record starts or resumes recording for the target. Any other target that is
// currently recording is paused first; its unsealed audio is retained, not
// lost.
func (e *Engine) Record(ctx context.Context, targetID string) error {
	m, err := e.machine(targetID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	outgoingID := e.activeTarget
	var outgoing *consult.Machine
	if outgoingID != "" && outgoingID != targetID {
		outgoing = e.machines[outgoingID]
	}
	e.mu.Unlock()

	if outgoing != nil && outgoing.State() == consult.StateRecording {
		e.log.Info("switch_pauses_previous_target",
			slog.String("from", outgoingID),
			slog.String("to", targetID))
		if err := outgoing.Pause(ctx); err != nil {
			return fmt.Errorf("pause outgoing target %s: %w", outgoingID, err)
		}
	}

	switch m.State() {
	case consult.StateReady:
		err = m.StartRecording(ctx)
	case consult.StatePaused:
		err = m.Resume(ctx)
	case consult.StateRecording:
		err = nil
	default:
		err = fmt.Errorf("target %s already completed", targetID)
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.activeTarget = targetID
	e.mu.Unlock()
	return nil
}

// Pause pauses the target's recording.
func (e *Engine) Pause(ctx context.Context, targetID string) error {
	m, err := e.machine(targetID)
	if err != nil {
		return err
	}
	if err := m.Pause(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	if e.activeTarget == targetID {
		e.activeTarget = ""
	}
	e.mu.Unlock()
	return nil
}

// Complete finishes the target's consultation, draining pending uploads.
func (e *Engine) Complete(ctx context.Context, targetID string) error {
	m, err := e.machine(targetID)
	if err != nil {
		return err
	}
	if err := m.Complete(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	if e.activeTarget == targetID {
		e.activeTarget = ""
	}
	e.mu.Unlock()
	return nil
}

// Transcript returns the target's reconciled transcript. The consultation
// must be completed.
func (e *Engine) Transcript(ctx context.Context, targetID string) (string, error) {
	m, err := e.machine(targetID)
	if err != nil {
		return "", err
	}
	return m.Transcript(ctx)
}

// ActiveTarget returns the target currently recording, if any.
func (e *Engine) ActiveTarget() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeTarget
}

// Drain pauses every recording machine so unsealed audio lands in durable
// snapshots; pending uploads of paused sessions were already handed off.
func (e *Engine) Drain() error {
	e.mu.Lock()
	machines := make([]*consult.Machine, 0, len(e.machines))
	for _, m := range e.machines {
		machines = append(machines, m)
	}
	e.mu.Unlock()

	var firstErr error
	for _, m := range machines {
		if m.State() != consult.StateRecording {
			continue
		}
		if err := m.Pause(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases the snapshot store.
func (e *Engine) Close() error {
	if e.snapshots != nil {
		return e.snapshots.Close()
	}
	return nil
}
