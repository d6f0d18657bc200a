package mock

import (
	"context"
	"testing"
)

func TestFeedRoutesToRunningInstance(t *testing.T) {
	provider := NewProvider()
	src, err := provider.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	source := src.(*Source)

	// Nothing running yet: fed audio is dropped like a muted device.
	source.Feed([]byte("dropped"))

	inst, err := source.NewInstance()
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	if err := inst.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	source.Feed([]byte("heard"))

	fragments, err := inst.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(fragments) != 1 || string(fragments[0]) != "heard" {
		t.Fatalf("fragments %q", fragments)
	}

	// Stopped instances no longer receive audio.
	source.Feed([]byte("late"))
	if fragments, _ := inst.Stop(); len(fragments) != 0 {
		t.Fatalf("stopped instance buffered %q", fragments)
	}
	if source.InstanceCount() != 1 {
		t.Fatalf("instance count %d", source.InstanceCount())
	}
}

func TestFeedPrefersLatestRunningInstance(t *testing.T) {
	source := &Source{}
	first, _ := source.NewInstance()
	_ = first.Start()
	_, _ = first.Stop()
	second, _ := source.NewInstance()
	_ = second.Start()

	source.Feed([]byte("for the new one"))

	fragments, _ := second.Stop()
	if len(fragments) != 1 {
		t.Fatalf("second instance fragments %q", fragments)
	}
	if source.InstanceCount() != 2 {
		t.Fatalf("instance count %d", source.InstanceCount())
	}
}
