package call

import (
	"testing"
	"time"
)

func TestStats_Percentiles(t *testing.T) {
	tr := NewLatencyTracker()
	for i := 1; i <= 100; i++ {
		tr.Record(StageLLM, time.Duration(i)*time.Millisecond)
	}

	stats := tr.Stats(StageLLM)
	if stats.Count != 100 {
		t.Fatalf("Count = %d, want 100", stats.Count)
	}
	if stats.Min != 1 || stats.Max != 100 {
		t.Fatalf("Min/Max = %v/%v, want 1/100", stats.Min, stats.Max)
	}
	if stats.Mean != 50.5 {
		t.Fatalf("Mean = %v, want 50.5", stats.Mean)
	}
	if stats.P50 != 51 {
		t.Fatalf("P50 = %v, want 51 (nearest rank)", stats.P50)
	}
	if stats.P95 != 96 {
		t.Fatalf("P95 = %v, want 96", stats.P95)
	}
	if stats.P99 != 100 {
		t.Fatalf("P99 = %v, want 100", stats.P99)
	}
}

func TestStats_EmptyStage(t *testing.T) {
	tr := NewLatencyTracker()
	if got := tr.Stats(StageTTS); got.Count != 0 {
		t.Fatalf("Stats on empty stage = %+v", got)
	}
}

func TestRecord_RingOverwritesOldest(t *testing.T) {
	tr := NewLatencyTracker()
	// Fill the ring with slow samples, then overwrite with fast ones.
	for i := 0; i < stageRingSize; i++ {
		tr.Record(StageTurn, time.Second)
	}
	for i := 0; i < stageRingSize; i++ {
		tr.Record(StageTurn, time.Millisecond)
	}

	stats := tr.Stats(StageTurn)
	if stats.Count != stageRingSize {
		t.Fatalf("Count = %d, want %d", stats.Count, stageRingSize)
	}
	if stats.Max != 1 {
		t.Fatalf("Max = %v, want 1 (old samples evicted)", stats.Max)
	}
}

func TestAll_OnlyRecordedStages(t *testing.T) {
	tr := NewLatencyTracker()
	tr.Record(StageSTT, 5*time.Millisecond)
	tr.Record(StageTTS, 7*time.Millisecond)

	all := tr.All()
	if len(all) != 2 {
		t.Fatalf("All() has %d stages, want 2", len(all))
	}
	if _, ok := all[StageLLM]; ok {
		t.Fatal("All() includes a stage with no samples")
	}
}
