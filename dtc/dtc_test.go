package dtc

import (
	"testing"

	"fts/crm"
	"fts/dtr"
)

// fakeTimer drives the dtc.Timer protocol deterministically: WaitForTEZ
// returns immediately, and every call is recorded for assertions.
type fakeTimer struct {
	baseTicks    int64
	registered   int
	drained      int
	waited       int
	req          struct{ cycle, localTicks, basePeriodFP16 int64 }
	feedback     dtr.AlignFeedback
}

func (f *fakeTimer) RegisterTEZListener() <-chan struct{} {
	f.registered++
	ch := make(chan struct{}, 1)
	return ch
}
func (f *fakeTimer) DrainTEZ()          { f.drained++ }
func (f *fakeTimer) WaitForTEZ()        { f.waited++ }
func (f *fakeTimer) GetTimerBaseTicks() int64 { return f.baseTicks }
func (f *fakeTimer) SetAlignRequest(cycle, localTicks, basePeriodFP16 int64) {
	f.req.cycle = cycle
	f.req.localTicks = localTicks
	f.req.basePeriodFP16 = basePeriodFP16
	f.feedback = dtr.AlignFeedback{
		Ready:        true,
		CycleCounter: cycle,
		PeriodTicks:  20000,
	}
}
func (f *fakeTimer) Feedback() dtr.AlignFeedback { return f.feedback }

type fakeLogger struct {
	calls int
	last  struct{ cycle, localTicks, basePeriodFP16 int64 }
}

func (l *fakeLogger) LogDTC(cycle, localTicks, basePeriodFP16 int64) {
	l.calls++
	l.last.cycle = cycle
	l.last.localTicks = localTicks
	l.last.basePeriodFP16 = basePeriodFP16
}

const resolutionHz = 40_000_000
const period = 20000
const compensationTicks = -8 // -200ns at 40MHz (25ns/tick)

func TestOnModelIgnoresInvalidModel(t *testing.T) {
	ft := &fakeTimer{}
	c := New(ft, nil, resolutionHz, period, compensationTicks, false)
	c.OnModel(crm.Model{Valid: false})
	if ft.waited != 0 {
		t.Errorf("expected no TEZ interaction for an invalid model, got %d waits", ft.waited)
	}
}

func TestOnModelPublishesAlignedRequest(t *testing.T) {
	ft := &fakeTimer{baseTicks: 1_000_000}
	lg := &fakeLogger{}
	c := New(ft, lg, resolutionHz, period, compensationTicks, false)

	psPerTick := int64(1_000_000_000_000 / resolutionHz)
	m := crm.Model{
		Valid:         true,
		SlopeLRMinus1: 0.0,
		SlopeRLMinus1: 0.0,
		LocalRefPS:    1_000_000 * psPerTick,
		RemoteRefPS:   1_000_000 * psPerTick,
	}
	c.OnModel(m)

	if ft.registered != 1 || ft.drained != 1 {
		t.Fatalf("expected one register and one drain, got registered=%d drained=%d", ft.registered, ft.drained)
	}
	if ft.waited != 2 {
		t.Fatalf("expected exactly two TEZ waits, got %d", ft.waited)
	}
	// With zero slope and timer_base_ticks == ref_local_ticks, remote_ticks
	// == ref_remote_ticks == 1_000_000; aligned_cycle = floor((1000000 +
	// 10000)/20000) + 2 = 50 + 2 = 52.
	if ft.req.cycle != 52 {
		t.Errorf("aligned cycle = %d, want 52", ft.req.cycle)
	}
	wantLocal := int64(52*period) + compensationTicks
	if ft.req.localTicks != wantLocal {
		t.Errorf("aligned local ticks = %d, want %d", ft.req.localTicks, wantLocal)
	}
	if ft.req.basePeriodFP16 != int64(period)*65536 {
		t.Errorf("base_period_fp16 = %d, want %d", ft.req.basePeriodFP16, int64(period)*65536)
	}
	if lg.calls != 1 {
		t.Fatalf("expected exactly one log call, got %d", lg.calls)
	}
}

func TestTestModeOnceAppliesOnlyFirstAlignment(t *testing.T) {
	ft := &fakeTimer{baseTicks: 2_000_000}
	c := New(ft, nil, resolutionHz, period, compensationTicks, true)

	psPerTick := int64(1_000_000_000_000 / resolutionHz)
	m := crm.Model{Valid: true, LocalRefPS: 2_000_000 * psPerTick, RemoteRefPS: 2_000_000 * psPerTick}

	c.OnModel(m)
	if ft.waited != 2 {
		t.Fatalf("first alignment: waited = %d, want 2", ft.waited)
	}
	c.OnModel(m)
	if ft.waited != 2 {
		t.Errorf("second alignment should be suppressed by test mode, waited = %d, want still 2", ft.waited)
	}
}

func TestOnModelPanicsWhenFeedbackNeverArrives(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when feedback is not ready after the second TEZ")
		}
	}()
	ft := &fakeTimer{baseTicks: 0}
	// Override SetAlignRequest behavior indirectly is not possible without
	// a second fake; instead simulate the failure by zeroing feedback after
	// the request is set.
	c := New(ft, nil, resolutionHz, period, compensationTicks, false)
	m := crm.Model{Valid: true}
	// Replace the timer's SetAlignRequest side effect by wrapping: easiest
	// is a tiny local fake dedicated to this failure case.
	c.timer = &neverReadyTimer{fakeTimer: ft}
	c.OnModel(m)
}

type neverReadyTimer struct {
	*fakeTimer
}

func (n *neverReadyTimer) Feedback() dtr.AlignFeedback { return dtr.AlignFeedback{Ready: false} }
