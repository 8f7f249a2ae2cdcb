package fts

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"fts/crm"
	"fts/dtc"
	"fts/dtr"
	"fts/ftm"
	"fts/macclock"
	"fts/proto"
	"fts/trace"
)

func TestLEDOnMatchesOneHertzTwentyPercentDuty(t *testing.T) {
	cases := []struct {
		cycle int64
		want  bool
	}{
		{0, true},
		{LEDCyclesPerSecond/5 - 1, true},
		{LEDCyclesPerSecond / 5, false},
		{LEDCyclesPerSecond - 1, false},
		{LEDCyclesPerSecond, true}, // wraps to the next second
	}
	for _, c := range cases {
		if got := LEDOn(c.cycle); got != c.want {
			t.Errorf("LEDOn(%d) = %v, want %v", c.cycle, got, c.want)
		}
	}
}

type fakeHW struct{ writes []uint16 }

func (f *fakeHW) WritePeriod(ticks uint16) { f.writes = append(f.writes, ticks) }
func (f *fakeHW) Enable()                  {}

type fakeGate struct{ released int }

func (g *fakeGate) Release() { g.released++ }

type fakeTicks struct{ n uint32 }

func (f *fakeTicks) Counter() uint32 { f.n++; return f.n }

type fakeRawMAC struct{ t uint32 }

func (f *fakeRawMAC) MicroTime() uint32 { f.t += 3; return f.t }

func newStartedMAC(t *testing.T) *macclock.Clock {
	c := macclock.New(&fakeRawMAC{})
	if err := c.Init(0, time.Hour); err != nil {
		t.Fatalf("macclock Init: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestStartTimerFoldsMeasuredOffsetIntoBase(t *testing.T) {
	ctrl := dtr.New(&fakeHW{}, &fakeGate{}, 1000, 10)
	ticks := &fakeTicks{}
	mac := newStartedMAC(t)

	if err := StartTimer(ctrl, ticks, mac, 1000, nil); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	if ctrl.State() != dtr.Running {
		t.Fatalf("State() = %v, want Running", ctrl.State())
	}
	if ctrl.GetTimerBaseTicks() == 0 {
		t.Errorf("GetTimerBaseTicks() = 0, want the measured offset folded in")
	}
}

type fakeSession struct {
	reports []ftm.Report
	i       int
}

func (s *fakeSession) RunSession() ftm.Report {
	if s.i >= len(s.reports) {
		return ftm.Report{Err: errors.New("no more scripted sessions")}
	}
	r := s.reports[s.i]
	s.i++
	return r
}

type fakeSleeper struct{ calls int }

func (s *fakeSleeper) Sleep(ms int) { s.calls++ }

type dtcFakeTimer struct {
	aligns int
}

func (f *dtcFakeTimer) RegisterTEZListener() <-chan struct{} { return make(chan struct{}) }
func (f *dtcFakeTimer) DrainTEZ()                            {}
func (f *dtcFakeTimer) WaitForTEZ()                          {}
func (f *dtcFakeTimer) GetTimerBaseTicks() int64              { return 1_000_000 }
func (f *dtcFakeTimer) SetAlignRequest(cycle, localTicks, basePeriodFP16 int64) {
	f.aligns++
}
func (f *dtcFakeTimer) Feedback() dtr.AlignFeedback {
	return dtr.AlignFeedback{Ready: true}
}

func TestRunSlaveFeedsCRMIntoDTC(t *testing.T) {
	timer := &dtcFakeTimer{}
	d := dtc.New(timer, nil, 1_000_000, 2500, 0, false)
	c := crm.New()

	entries := make([]ftm.Entry, crm.MinSamples)
	for i := range entries {
		base := uint64(i * 1_000_000)
		entries[i] = ftm.Entry{
			T1: base,
			T2: base + 500_000,
			T3: base + 500_100,
			T4: base + 1_000_100,
		}
	}
	session := &fakeSession{reports: []ftm.Report{{SessionNumber: 1, Entries: entries}}}
	sleeper := &fakeSleeper{}
	stop := make(chan struct{})

	go func() {
		deadline := time.Now().Add(time.Second)
		for sleeper.calls < 1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		close(stop)
	}()

	RunSlave(SlaveDeps{
		CRM:     c,
		DTC:     d,
		Session: session,
		Sleeper: sleeper,
		Stop:    stop,
	})

	if timer.aligns == 0 {
		t.Errorf("expected dtc.Controller.OnModel to reach the timer via a fitted model, got 0 alignment requests")
	}
}

type fakeReceiver struct {
	pkts []proto.Packet
	i    int
}

func (r *fakeReceiver) Receive() (proto.Packet, error) {
	if r.i >= len(r.pkts) {
		return proto.Packet{}, errors.New("no more scripted packets")
	}
	p := r.pkts[r.i]
	r.i++
	return p, nil
}

func TestRunReceiveLoopLogsMasterReboot(t *testing.T) {
	receiver := &fakeReceiver{pkts: []proto.Packet{{RunID: 1}, {RunID: 1}, {RunID: 2}}}
	sleeper := &fakeSleeper{}
	var buf bytes.Buffer
	tr := trace.New(&buf)
	stop := make(chan struct{})

	go runReceiveLoop(receiver, sleeper, tr, stop)

	deadline := time.Now().Add(time.Second)
	for receiver.i < len(receiver.pkts) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(stop)

	if !strings.Contains(buf.String(), "MASTER_REBOOT,2") {
		t.Errorf("expected a MASTER_REBOOT,2 trace line, got:\n%s", buf.String())
	}
}
