package capture

import "testing"

func TestMemoryCollector_TrackGrowth_ComputesDelta(t *testing.T) {
	m := &MemoryCollector{host: "example.com", targetID: "t1", mu: make(chan struct{}, 1)}

	if got := m.trackGrowth(10); got != 0 {
		t.Errorf("first sample: delta = %d, want 0 (no prior baseline)", got)
	}
	if got := m.trackGrowth(35); got != 25 {
		t.Errorf("delta = %d, want 25", got)
	}
	if got := m.trackGrowth(20); got != -15 {
		t.Errorf("delta = %d, want -15 on drop", got)
	}
}

func TestMemoryCollector_DeepAnalysis_TriggersOnlyAboveThreshold(t *testing.T) {
	m := &MemoryCollector{host: "example.com", targetID: "t1", mu: make(chan struct{}, 1)}

	cases := []struct {
		count       int64
		wantTrigger bool
	}{
		{20, false},
		{41, true}, // delta 21 > 20
	}

	m.trackGrowth(20) // establish baseline
	for _, c := range cases {
		delta := m.trackGrowth(c.count)
		triggered := delta > listenerGrowthTrigger
		if triggered != c.wantTrigger {
			t.Errorf("count=%d delta=%d triggered=%v, want %v", c.count, delta, triggered, c.wantTrigger)
		}
	}
}

func TestMemoryCollector_PendingAnalysis_SetAndTakeOnce(t *testing.T) {
	m := &MemoryCollector{host: "example.com", targetID: "t1", mu: make(chan struct{}, 1)}

	if got := m.takePendingAnalysis(); got != nil {
		t.Fatalf("expected no pending analysis initially, got %+v", got)
	}

	want := &ListenerLeakAnalysis{TriggeredByDelta: 25, ScanID: "scan-1"}
	m.setPendingAnalysis(want)

	got := m.takePendingAnalysis()
	if got != want {
		t.Errorf("takePendingAnalysis() = %+v, want %+v", got, want)
	}
	if again := m.takePendingAnalysis(); again != nil {
		t.Errorf("expected pending analysis to be consumed, got %+v", again)
	}
}

func TestInferFunctionName(t *testing.T) {
	cases := map[string]string{
		"function onClick(e) {":       "onClick",
		"function handleScroll() {}":  "handleScroll",
		"() => {}":                    "anonymous",
		"":                            "anonymous",
	}
	for desc, want := range cases {
		if got := inferFunctionName(desc); got != want {
			t.Errorf("inferFunctionName(%q) = %q, want %q", desc, got, want)
		}
	}
}
