package macclock

import (
	"sync/atomic"
	"testing"
	"time"
)

type fakeCounter struct {
	v        uint32
	autoTick bool
}

func (f *fakeCounter) MicroTime() uint32 {
	if f.autoTick {
		return atomic.AddUint32(&f.v, 1)
	}
	return atomic.LoadUint32(&f.v)
}

func (f *fakeCounter) set(v uint32) {
	atomic.StoreUint32(&f.v, v)
}

func TestInitFailsWhenCounterDoesNotAdvance(t *testing.T) {
	f := &fakeCounter{v: 100}
	c := New(f)
	if err := c.Init(time.Millisecond, time.Hour); err == nil {
		t.Fatal("expected Init to fail when the counter does not advance")
	}
}

func TestInitSucceedsAndReadUnwraps(t *testing.T) {
	f := &fakeCounter{v: 100, autoTick: true}
	c := New(f)
	if err := c.Init(time.Millisecond, time.Hour); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer c.Stop()
	f.autoTick = false

	f.set(4_000_000_000)
	if got := c.Read(); got != 4_000_000_000 {
		t.Errorf("Read() = %d, want 4000000000", got)
	}

	f.set(100) // wrap
	want := int64(1<<32) + 100
	if got := c.Read(); got != want {
		t.Errorf("Read() after wrap = %d, want %d", got, want)
	}
}

func TestReadBeforeInitPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling Read before Init")
		}
	}()
	c := New(&fakeCounter{})
	c.Read()
}

func TestBaseBeforeInitPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling Base before Init")
		}
	}()
	c := New(&fakeCounter{})
	c.Base()
}

func TestBaseReflectsOffset(t *testing.T) {
	f := &fakeCounter{v: 100, autoTick: true}
	c := New(f)
	if err := c.Init(time.Millisecond, time.Hour); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer c.Stop()
	f.autoTick = false

	if got := c.Base(); got != 0 {
		t.Errorf("Base() = %d before any wrap, want 0", got)
	}
	f.set(50)
	c.Read()
	if got := c.Base(); got != int64(1<<32) {
		t.Errorf("Base() = %d after wrap, want %d", got, int64(1<<32))
	}
}
