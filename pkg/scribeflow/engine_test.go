package scribeflow

import (
	"context"
	"testing"

	"github.com/harunnryd/scribeflow/pkg/consult"
	"github.com/harunnryd/scribeflow/pkg/providers/mock"
)

func newTestEngine(t *testing.T) (*Engine, *mock.Provider) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capture.ChunkDurationMS = 3_600_000 // no timer-driven boundaries in tests
	cfg.Capture.SettleDelayMS = 1
	cfg.Upload.BaseDelayMS = 1
	cfg.Upload.DrainTimeoutMS = 2000

	provider := mock.NewProvider()
	engine, err := NewEngine(cfg, mock.NewBackend(), provider)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine, provider
}

func TestRecordSwitchPausesOutgoingTarget(t *testing.T) {
	engine, provider := newTestEngine(t)
	ctx := context.Background()

	alpha, err := engine.Register(ctx, consult.Target{ID: "patient-a"})
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	bravo, err := engine.Register(ctx, consult.Target{ID: "patient-b"})
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	if err := engine.Record(ctx, "patient-a"); err != nil {
		t.Fatalf("record a: %v", err)
	}
	provider.Last().Feed([]byte("notes about patient a"))

	// Switching to another target pauses the outgoing one instead of losing
	// its unsealed audio.
	if err := engine.Record(ctx, "patient-b"); err != nil {
		t.Fatalf("record b: %v", err)
	}
	if alpha.State() != consult.StatePaused {
		t.Fatalf("outgoing target state %s, want PAUSED", alpha.State())
	}
	if bravo.State() != consult.StateRecording {
		t.Fatalf("incoming target state %s, want RECORDING", bravo.State())
	}
	if engine.ActiveTarget() != "patient-b" {
		t.Fatalf("active target %q", engine.ActiveTarget())
	}

	// Switching back resumes the paused target under a fresh session.
	if err := engine.Record(ctx, "patient-a"); err != nil {
		t.Fatalf("record a again: %v", err)
	}
	if alpha.State() != consult.StateRecording {
		t.Fatalf("resumed target state %s", alpha.State())
	}
	if bravo.State() != consult.StatePaused {
		t.Fatalf("displaced target state %s", bravo.State())
	}
}

func TestTranscriptsStayPerTarget(t *testing.T) {
	engine, provider := newTestEngine(t)
	ctx := context.Background()

	for _, id := range []string{"patient-a", "patient-b"} {
		if _, err := engine.Register(ctx, consult.Target{ID: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	if err := engine.Record(ctx, "patient-a"); err != nil {
		t.Fatalf("record a: %v", err)
	}
	provider.Last().Feed([]byte("alpha has a sore paw"))
	if err := engine.Record(ctx, "patient-b"); err != nil {
		t.Fatalf("record b: %v", err)
	}
	provider.Last().Feed([]byte("bravo is due for vaccines"))

	if err := engine.Complete(ctx, "patient-b"); err != nil {
		t.Fatalf("complete b: %v", err)
	}
	if err := engine.Record(ctx, "patient-a"); err != nil {
		t.Fatalf("resume a: %v", err)
	}
	if err := engine.Complete(ctx, "patient-a"); err != nil {
		t.Fatalf("complete a: %v", err)
	}

	gotA, err := engine.Transcript(ctx, "patient-a")
	if err != nil {
		t.Fatalf("transcript a: %v", err)
	}
	gotB, err := engine.Transcript(ctx, "patient-b")
	if err != nil {
		t.Fatalf("transcript b: %v", err)
	}
	if gotA != "alpha has a sore paw" {
		t.Fatalf("transcript a %q", gotA)
	}
	if gotB != "bravo is due for vaccines" {
		t.Fatalf("transcript b %q", gotB)
	}
	if engine.ActiveTarget() != "" {
		t.Fatalf("active target %q after completion", engine.ActiveTarget())
	}
}

func TestDrainPausesRecordingMachines(t *testing.T) {
	engine, provider := newTestEngine(t)
	ctx := context.Background()

	m, err := engine.Register(ctx, consult.Target{ID: "patient-a"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := engine.Record(ctx, "patient-a"); err != nil {
		t.Fatalf("record: %v", err)
	}
	provider.Last().Feed([]byte("interrupted by shutdown"))

	if err := engine.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if m.State() != consult.StatePaused {
		t.Fatalf("state %s after drain", m.State())
	}
}

func TestPauseClearsActiveTarget(t *testing.T) {
	engine, provider := newTestEngine(t)
	ctx := context.Background()

	m, err := engine.Register(ctx, consult.Target{ID: "patient-a"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := engine.Record(ctx, "patient-a"); err != nil {
		t.Fatalf("record: %v", err)
	}
	provider.Last().Feed([]byte("held over lunch"))

	if err := engine.Pause(ctx, "patient-a"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if m.State() != consult.StatePaused {
		t.Fatalf("state %s after pause", m.State())
	}
	if engine.ActiveTarget() != "" {
		t.Fatalf("active target %q after pause", engine.ActiveTarget())
	}

	// Recording again resumes the same consultation.
	if err := engine.Record(ctx, "patient-a"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if m.State() != consult.StateRecording {
		t.Fatalf("state %s after resume", m.State())
	}
	_ = engine.Complete(ctx, "patient-a")
}

func TestRecordUnknownTargetFails(t *testing.T) {
	engine, _ := newTestEngine(t)
	if err := engine.Record(context.Background(), "nobody"); err == nil {
		t.Fatalf("expected unknown target error")
	}
}
