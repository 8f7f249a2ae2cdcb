package trace

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestREGRPrintsHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.REGR(1, 2, 64, 0.0001, 12.5, 0.9995, 1000, 2000)
	w.REGR(2, 3, 64, 0.0002, 11.0, 0.9996, 1100, 2100)

	out := buf.String()
	if got := strings.Count(out, "REGR,count,session"); got != 1 {
		t.Errorf("header printed %d times, want 1", got)
	}
	if got := strings.Count(out, "\nREGR,1,2,64"); got != 1 {
		t.Errorf("expected exactly one data line for the first call, got %d occurrences", got)
	}
}

func TestEachKindHasItsOwnHeader(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.DTC(10, 200000, 1310720000)
	w.DTR(10, 1, 20000, 0)
	w.MACTimerAlign(1, 5, 2, 8)

	out := buf.String()
	for _, want := range []string{"DTC,cycle", "DTR,cycle", "MAC_TIMER_ALIGN,run"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain header %q, got:\n%s", want, out)
		}
	}
}

func TestLogSessionFailureWritesMessage(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.LogSessionFailure(7, errors.New("session timeout"))

	out := buf.String()
	if !strings.Contains(out, "FTM_SESSION_FAIL,session,error") {
		t.Errorf("expected header, got:\n%s", out)
	}
	if !strings.Contains(out, `FTM_SESSION_FAIL,7,"session timeout"`) {
		t.Errorf("expected failure line, got:\n%s", out)
	}
}

func TestMasterRebootWritesMessage(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.MasterReboot(42)

	out := buf.String()
	if !strings.Contains(out, "MASTER_REBOOT,run_id") {
		t.Errorf("expected header, got:\n%s", out)
	}
	if !strings.Contains(out, "MASTER_REBOOT,42") {
		t.Errorf("expected reboot line, got:\n%s", out)
	}
}

func TestLogDTCAdapterMatchesDTC(t *testing.T) {
	var bufA, bufB bytes.Buffer
	a := New(&bufA)
	b := New(&bufB)
	a.DTC(5, 100, 200)
	b.LogDTC(5, 100, 200)
	if bufA.String() != bufB.String() {
		t.Errorf("LogDTC output diverged from DTC: %q vs %q", bufB.String(), bufA.String())
	}
}
