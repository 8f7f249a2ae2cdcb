package crm

import (
	"math"
	"testing"
)

// buildTimestamps synthesizes an FTM quadruple whose derived sample is
// exactly (local, remote) with zero round-trip noise: rtt = 0, t2 = local,
// t1 = remote, t3 = t2, t4 = t1.
func buildTimestamps(local, remote int64) Timestamps {
	return Timestamps{T1: remote, T2: local, T3: local, T4: remote}
}

func TestExactLineRecovery(t *testing.T) {
	c := New()
	const slope = 1.000002
	const k = 1_000_000_000 // arbitrary integer offset, ps
	var entries []Timestamps
	for i := int64(0); i < 32; i++ {
		remote := int64(1_000_000)*i + 7
		local := int64(math.Round(float64(remote)*slope)) + k
		entries = append(entries, buildTimestamps(local, remote))
	}
	m := c.Ingest(entries)

	if !m.Valid {
		t.Fatalf("model not valid, r_squared=%v", m.RSquared)
	}
	if diff := math.Abs(m.SlopeLRMinus1 - (slope - 1)); diff > 1e-9 {
		t.Errorf("slope_lr_m1 = %v, want within 1e-9 of %v", m.SlopeLRMinus1, slope-1)
	}
	if m.RSquared <= 0.9999 {
		t.Errorf("r_squared = %v, want > 0.9999", m.RSquared)
	}
}

func TestSymmetricInverse(t *testing.T) {
	c := New()
	const slope = 0.999997
	var entries []Timestamps
	for i := int64(0); i < 40; i++ {
		remote := int64(500_000)*i + 3
		local := int64(math.Round(float64(remote) * slope))
		entries = append(entries, buildTimestamps(local, remote))
	}
	m := c.Ingest(entries)
	if !m.Valid {
		t.Fatalf("model not valid")
	}
	got := (1 + m.SlopeLRMinus1) * (1 + m.SlopeRLMinus1)
	if diff := math.Abs(got - 1); diff > 1e-12 {
		t.Errorf("(1+slope_lr_m1)(1+slope_rl_m1) = %v, want within 1e-12 of 1", got)
	}
}

func TestInsufficientSamplesDoesNotUpdate(t *testing.T) {
	c := New()
	var entries []Timestamps
	for i := int64(0); i < MinSamples-1; i++ {
		entries = append(entries, buildTimestamps(i*1000, i*1000))
	}
	m := c.Ingest(entries)
	if m.Valid || m.SampleCount != 0 {
		t.Errorf("expected no model update with %d < %d samples, got %+v", len(entries), MinSamples, m)
	}
}

func TestDegenerateInputDoesNotUpdate(t *testing.T) {
	c := New()
	var entries []Timestamps
	for i := 0; i < 32; i++ {
		entries = append(entries, buildTimestamps(int64(i)*100, 42))
	}
	called := false
	c.SetCallback(func(Model) { called = true })
	m := c.Ingest(entries)
	if m.Valid {
		t.Errorf("expected degenerate fit to leave model invalid/unchanged, got %+v", m)
	}
	if called {
		t.Errorf("callback should not fire when fit is aborted")
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	c := New()
	for i := 0; i < 2*MaxSamples; i++ {
		c.addSample(sample{localPS: int64(i), remotePS: int64(i)})
	}
	if c.count != MaxSamples {
		t.Fatalf("count = %d, want %d", c.count, MaxSamples)
	}
	// the ring should hold the most recent MaxSamples values: 2*MaxSamples-MaxSamples .. 2*MaxSamples-1
	seen := make(map[int64]bool)
	for i := 0; i < MaxSamples; i++ {
		seen[c.ring[i].localPS] = true
	}
	for i := int64(2*MaxSamples - MaxSamples); i < int64(2*MaxSamples); i++ {
		if !seen[i] {
			t.Errorf("expected ring to contain most recent sample %d", i)
		}
	}
}

func TestCallbackFiresOnCompletedFit(t *testing.T) {
	c := New()
	var got Model
	calls := 0
	c.SetCallback(func(m Model) {
		got = m
		calls++
	})
	var entries []Timestamps
	for i := int64(0); i < 32; i++ {
		entries = append(entries, buildTimestamps(i*1000+5, i*1000))
	}
	c.Ingest(entries)
	if calls != 1 {
		t.Fatalf("expected exactly one callback invocation, got %d", calls)
	}
	if !got.Valid {
		t.Errorf("callback model should be valid for a clean line fit")
	}
}
