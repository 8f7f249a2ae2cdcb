package dtr

import (
	"testing"
)

// fakeTimer records every period written so tests can assert the hardware
// was actually driven, without needing a real PWM slice.
type fakeTimer struct {
	writes  []uint16
	enabled bool
}

func (f *fakeTimer) WritePeriod(ticks uint16) {
	f.writes = append(f.writes, ticks)
}

func (f *fakeTimer) Enable() {
	f.enabled = true
}

type fakeGate struct {
	released int
}

func (g *fakeGate) Release() { g.released++ }

const testPeriod = 20000 // ticks, e.g. 500us at 40MHz
const testMinPeriod = 12000

func TestStartTimerEntersRunning(t *testing.T) {
	hw := &fakeTimer{}
	d := New(hw, nil, testPeriod, testMinPeriod)
	if d.State() != NotStarted {
		t.Fatalf("State() = %v, want NotStarted", d.State())
	}
	d.StartTimer()
	if d.State() != Running {
		t.Fatalf("State() = %v, want Running", d.State())
	}
	if got := d.GetTimerBaseTicks(); got != 0 {
		t.Errorf("GetTimerBaseTicks() = %d, want 0", got)
	}
	if !hw.enabled {
		t.Error("expected StartTimer to enable the hardware counter")
	}
}

func TestSteadyStateDithersToExactAverage(t *testing.T) {
	hw := &fakeTimer{}
	d := New(hw, nil, testPeriod, testMinPeriod)
	d.StartTimer()

	// Force a base period with a fractional remainder: half a tick per
	// period above nominal, i.e. a slightly slow clock needing compensation.
	d.mu.Lock()
	d.basePeriodFP16 = uint32(testPeriod)*FP16Scale + FP16Scale/2
	d.mu.Unlock()

	const cycles = 2000
	var total int64
	for i := 0; i < cycles; i++ {
		d.HandleTEZ()
		total += int64(hw.writes[len(hw.writes)-1])
	}
	avg := float64(total) / float64(cycles)
	want := float64(testPeriod) + 0.5
	if diff := avg - want; diff > 0.01 || diff < -0.01 {
		t.Errorf("average period = %v, want within 0.01 of %v", avg, want)
	}
}

func TestAlignmentAppliesAtNextTEZAndTransitionsToAligned(t *testing.T) {
	hw := &fakeTimer{}
	gate := &fakeGate{}
	d := New(hw, gate, testPeriod, testMinPeriod)
	d.StartTimer()

	d.HandleTEZ() // cycle 1, timer_base_ticks += 0 (active_period_ticks still 0 from start)
	d.HandleTEZ() // cycle 2, timer_base_ticks now reflects one full nominal period

	// The next TEZ adds one more nominal period to timer_base_ticks, so a
	// target two periods past baseBefore yields exactly one nominal period.
	baseBefore := d.GetTimerBaseTicks()
	targetCycle := int64(100)
	targetLocalTicks := baseBefore + int64(testPeriod)*2
	d.SetAlignRequest(targetCycle, targetLocalTicks, int64(testPeriod)*FP16Scale)

	d.HandleTEZ() // the align request is consumed on this TEZ

	if d.State() != Aligned {
		t.Fatalf("State() = %v, want Aligned", d.State())
	}
	if gate.released != 1 {
		t.Fatalf("gate released %d times, want 1", gate.released)
	}

	fb := d.Feedback()
	if !fb.Ready {
		t.Fatal("expected feedback to be ready after alignment")
	}
	if fb.CycleCounter != targetCycle {
		t.Errorf("CycleCounter = %d, want %d", fb.CycleCounter, targetCycle)
	}
	if fb.PeriodTicks < int32(testMinPeriod) {
		t.Errorf("PeriodTicks = %d, below minimum %d", fb.PeriodTicks, testMinPeriod)
	}

	// A second read without a new request reports stale (not-ready) feedback.
	fb2 := d.Feedback()
	if fb2.Ready {
		t.Error("expected feedback to be consumed after first read")
	}
}

func TestAlignmentBelowMinimumRollsForwardCycles(t *testing.T) {
	hw := &fakeTimer{}
	d := New(hw, nil, testPeriod, testMinPeriod)
	d.StartTimer()
	d.HandleTEZ()

	base := d.GetTimerBaseTicks()
	// Target local ticks deliberately only a few ticks past the base, which
	// without roll-forward would produce a period far below testMinPeriod.
	target := base + 500
	d.SetAlignRequest(7, target, int64(testPeriod)*FP16Scale)
	d.HandleTEZ()

	fb := d.Feedback()
	if fb.PeriodTicks < int32(testMinPeriod) {
		t.Fatalf("PeriodTicks = %d, want >= %d after roll-forward", fb.PeriodTicks, testMinPeriod)
	}
	if fb.CycleCounter <= 7 {
		t.Errorf("CycleCounter = %d, want > 7 (rolled forward from requested target)", fb.CycleCounter)
	}
}

func TestWaitForTEZUnblocksOnHandleTEZ(t *testing.T) {
	hw := &fakeTimer{}
	d := New(hw, nil, testPeriod, testMinPeriod)
	d.StartTimer()

	// Register before starting the waiter: HandleTEZ only notifies a
	// listener that is already registered, and WaitForTEZ reuses the
	// existing channel, so the TEZs below cannot be missed.
	d.RegisterTEZListener()

	done := make(chan struct{})
	go func() {
		d.WaitForTEZ()
		close(done)
	}()

	for i := 0; i < 2; i++ {
		d.HandleTEZ()
	}
	select {
	case <-done:
	default:
		d.HandleTEZ()
		<-done
	}
}

func TestHandleTEZPanicsOnOutOfRangePeriod(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range period_ticks")
		}
	}()
	hw := &fakeTimer{}
	d := New(hw, nil, testPeriod, testMinPeriod)
	d.StartTimer()
	d.SetAlignRequest(1, 100_000, int64(testPeriod)*FP16Scale) // period_ticks = 100000 - 0, above the uint16 range
	d.HandleTEZ()
}
