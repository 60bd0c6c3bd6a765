package loadtest

import (
	"context"
	"testing"
	"time"
)

func TestRunConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := Run(ctx, Options{
		Replicas:          3,
		IntentsPerReplica: 20,
		FaultEvery:        5,
		Seed:              7,
		Settle:            30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Converged {
		t.Fatalf("replicas diverged: %v", res.Divergent)
	}
	if res.Intents != 60 {
		t.Errorf("Intents = %d, want 60", res.Intents)
	}
	if res.Outcomes["ok"] == 0 {
		t.Errorf("no intent succeeded: %v", res.Outcomes)
	}
	if res.Faults == 0 {
		t.Error("expected injected faults")
	}
	if res.Latency.Count != res.Intents {
		t.Errorf("Latency.Count = %d, want %d", res.Latency.Count, res.Intents)
	}
	t.Logf("outcomes=%v faults=%d p95=%v elapsed=%v", res.Outcomes, res.Faults, res.Latency.P95, res.Elapsed)
}

func TestRunWithoutFaults(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := Run(ctx, Options{Replicas: 2, IntentsPerReplica: 10, Seed: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Converged {
		t.Fatalf("replicas diverged: %v", res.Divergent)
	}
	if res.Faults != 0 {
		t.Errorf("Faults = %d, want 0", res.Faults)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	tests := []struct {
		name string
		in   []time.Duration
		want LatencyStats
	}{
		{
			name: "empty",
			want: LatencyStats{},
		},
		{
			name: "single",
			in:   []time.Duration{5 * time.Millisecond},
			want: LatencyStats{Min: 5 * time.Millisecond, Max: 5 * time.Millisecond, Mean: 5 * time.Millisecond, P50: 5 * time.Millisecond, P95: 5 * time.Millisecond, P99: 5 * time.Millisecond, Count: 1},
		},
		{
			name: "unsorted",
			in:   []time.Duration{3, 1, 2, 4},
			want: LatencyStats{Min: 1, Max: 4, Mean: 2, P50: 3, P95: 4, P99: 4, Count: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeLatencyStats(tt.in)
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}
