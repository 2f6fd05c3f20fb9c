package guard

import (
	"context"
	"testing"
	"time"
)

func TestSampleBelowLimits(t *testing.T) {
	var killed, aborted, freed bool
	g := New(Config{
		SoftLimitBytes: 100,
		HardLimitBytes: 200,
		KillChildren:   func() { killed = true },
		Abort:          func() { aborted = true },
	})
	g.readHeap = func() uint64 { return 50 }
	g.freeOS = func() { freed = true }

	g.Sample()
	if killed || aborted || freed {
		t.Fatalf("healthy heap triggered action: killed=%v aborted=%v freed=%v", killed, aborted, freed)
	}
}

func TestSampleSoftLimitCompacts(t *testing.T) {
	var killed, aborted, freed bool
	g := New(Config{
		SoftLimitBytes: 100,
		HardLimitBytes: 200,
		KillChildren:   func() { killed = true },
		Abort:          func() { aborted = true },
	})
	g.readHeap = func() uint64 { return 150 }
	g.freeOS = func() { freed = true }

	g.Sample()
	if !freed {
		t.Fatal("soft limit did not request compaction")
	}
	if killed || aborted {
		t.Fatal("soft limit must not kill or abort")
	}
}

func TestSampleHardLimitAborts(t *testing.T) {
	var order []string
	g := New(Config{
		SoftLimitBytes: 100,
		HardLimitBytes: 200,
		KillChildren:   func() { order = append(order, "kill") },
		Abort:          func() { order = append(order, "abort") },
	})
	g.readHeap = func() uint64 { return 500 }

	g.Sample()
	if len(order) != 2 || order[0] != "kill" || order[1] != "abort" {
		t.Fatalf("order = %v, want children killed before abort", order)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	samples := make(chan struct{}, 10)
	g := New(Config{
		SampleInterval: 5 * time.Millisecond,
		SoftLimitBytes: 1 << 40,
		HardLimitBytes: 1 << 41,
	})
	g.readHeap = func() uint64 {
		select {
		case samples <- struct{}{}:
		default:
		}
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	select {
	case <-samples:
	case <-time.After(time.Second):
		t.Fatal("no sample taken")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
