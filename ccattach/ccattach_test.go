package ccattach

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedSampler replays a fixed sequence of CC levels, holding the
// last entry once exhausted, so a test can describe "bounce then settle"
// without a real comparator.
type scriptedSampler struct {
	seq []func() (Level, Level)
	i   int
}

func (s *scriptedSampler) sample() (Level, Level) {
	if s.i >= len(s.seq) {
		return s.seq[len(s.seq)-1]()
	}
	f := s.seq[s.i]
	s.i++
	return f()
}

func constLevels(cc1, cc2 Level) func() (Level, Level) {
	return func() (Level, Level) { return cc1, cc2 }
}

func TestDebouncerReportsAttachAfterStabilityWindow(t *testing.T) {
	s := &scriptedSampler{seq: []func() (Level, Level){
		constLevels(LevelOpen, LevelOpen),
		constLevels(LevelRd1_5A, LevelOpen), // bounce
		constLevels(LevelOpen, LevelOpen),   // bounce back
		constLevels(LevelRd1_5A, LevelOpen), // settles here
	}}
	d := NewDebouncer(s.sample, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev, orient, err := d.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ev != EventAttached {
		t.Fatalf("event = %v, want EventAttached", ev)
	}
	if orient != OrientationCC1 {
		t.Fatalf("orientation = %v, want OrientationCC1", orient)
	}
}

func TestDebouncerReportsDetachAfterAttach(t *testing.T) {
	s := &scriptedSampler{seq: []func() (Level, Level){
		constLevels(LevelRd1_5A, LevelOpen),
	}}
	d := NewDebouncer(s.sample, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if ev, _, err := d.Wait(ctx); err != nil || ev != EventAttached {
		t.Fatalf("initial attach: %v, %v", ev, err)
	}

	s.seq = []func() (Level, Level){constLevels(LevelOpen, LevelOpen)}
	s.i = 0
	ev, _, err := d.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ev != EventDetached {
		t.Fatalf("event = %v, want EventDetached", ev)
	}
}

func TestDebouncerRefusesDebugAccessory(t *testing.T) {
	s := &scriptedSampler{seq: []func() (Level, Level){
		constLevels(LevelRdUSB, LevelRdUSB),
	}}
	d := NewDebouncer(s.sample, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, _, err := d.Wait(ctx)
	if !errors.Is(err, ErrDebugAccessory) {
		t.Fatalf("err = %v, want ErrDebugAccessory", err)
	}
	if ev != EventDebugAccessory {
		t.Fatalf("event = %v, want EventDebugAccessory", ev)
	}
}

func TestNewDebouncerDefaultsZeroDuration(t *testing.T) {
	d := NewDebouncer(func() (Level, Level) { return LevelOpen, LevelOpen }, 0)
	if d.debounce != DefaultDebounce {
		t.Fatalf("debounce = %v, want DefaultDebounce", d.debounce)
	}
}

func TestClassifyOrientations(t *testing.T) {
	cases := []struct {
		name           string
		cc1, cc2       Level
		wantAttached   bool
		wantOrient     Orientation
		wantDebug      bool
	}{
		{"open", LevelOpen, LevelOpen, false, OrientationNone, false},
		{"cc1", LevelRd3A, LevelOpen, true, OrientationCC1, false},
		{"cc2", LevelOpen, LevelRdUSB, true, OrientationCC2, false},
		{"debug", LevelRdUSB, LevelRd1_5A, false, OrientationNone, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			attached, orient, debug := classify(c.cc1, c.cc2)
			if attached != c.wantAttached || orient != c.wantOrient || debug != c.wantDebug {
				t.Fatalf("classify(%v,%v) = (%v,%v,%v), want (%v,%v,%v)",
					c.cc1, c.cc2, attached, orient, debug,
					c.wantAttached, c.wantOrient, c.wantDebug)
			}
		})
	}
}
