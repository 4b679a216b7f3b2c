// Package ccattach defines the CC-line attach/orientation collaborator a
// board support package supplies to the rest of this module, plus a
// hardware-agnostic debounce filter implementing the stability and
// Debug Accessory handling a Type-C port must apply to raw CC samples.
//
// Actual CC voltage/comparator sampling is out of scope here: it is a
// true external collaborator, supplied by board-specific code.
package ccattach

import (
	"context"
	"errors"
	"time"
)

// Level is a coarse classification of one CC line's voltage, as reported
// by a comparator/ADC external to this package.
type Level uint8

// CC voltage levels, USB Type-C R1.x §4.11.
const (
	LevelOpen Level = iota
	LevelRa
	LevelRdUSB
	LevelRd1_5A
	LevelRd3A
)

// Orientation reports which CC line carries the active connection.
type Orientation uint8

// Cable orientations.
const (
	OrientationNone Orientation = iota
	OrientationCC1
	OrientationCC2
)

// Event is what a Detector reports on each stable state change.
type Event uint8

// Attach events.
const (
	// EventAttached reports a newly stable, usable attach.
	EventAttached Event = iota
	// EventDetached reports the port returning to the unattached state.
	EventDetached
	// EventDebugAccessory reports a Debug Accessory (both CC lines at
	// Rd) was detected; USB-PD is not possible and the port should park
	// until the cable is removed.
	EventDebugAccessory
)

// ErrDebugAccessory is returned by Wait when a Debug Accessory mode is
// detected: both CC lines read Rd simultaneously, which a standard
// Source/Sink never presents. The caller should treat the port as fatally
// misconfigured until it is unplugged.
var ErrDebugAccessory = errors.New("ccattach: debug accessory detected, port is parked")

// Detector reports stable attach/detach/orientation transitions on a
// Type-C CC pair. Implementations are expected to apply whatever
// board-specific debounce they need; Debouncer below is a reusable one.
type Detector interface {
	// Wait blocks until the next stable transition and reports it. Wait
	// returns ErrDebugAccessory (with EventDebugAccessory) when both CC
	// lines read Rd; callers should stop calling Wait again until the
	// cable is physically removed and reinserted.
	Wait(ctx context.Context) (Event, Orientation, error)
}

// SampleFunc reads the instantaneous, undebounced level of both CC lines.
// It must not block.
type SampleFunc func() (cc1, cc2 Level)

// DefaultDebounce is the stability window applied before reporting a
// transition, matching the Type-C "tCCDebounce" requirement referenced
// from this module's USB-PD scope.
const DefaultDebounce = 100 * time.Millisecond

// pollInterval is how often Debouncer re-samples while waiting for
// stability. It is much shorter than DefaultDebounce so the debounce
// window is measured accurately.
const pollInterval = 5 * time.Millisecond

// Debouncer turns a raw, possibly-bouncy CC sampling function into a
// Detector: it only reports a transition once the sampled state has held
// steady for debounce.
type Debouncer struct {
	sample   SampleFunc
	debounce time.Duration

	attached    bool
	orientation Orientation
}

// NewDebouncer builds a Detector around sample, requiring debounce of
// continuous stability before reporting a transition. A debounce of 0
// uses DefaultDebounce.
func NewDebouncer(sample SampleFunc, debounce time.Duration) *Debouncer {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Debouncer{sample: sample, debounce: debounce}
}

// classify derives the logical attach state from a raw CC sample pair.
func classify(cc1, cc2 Level) (attached bool, orientation Orientation, isDebugAccessory bool) {
	cc1Rd := cc1 == LevelRdUSB || cc1 == LevelRd1_5A || cc1 == LevelRd3A
	cc2Rd := cc2 == LevelRdUSB || cc2 == LevelRd1_5A || cc2 == LevelRd3A

	if cc1Rd && cc2Rd {
		return false, OrientationNone, true
	}
	if cc1Rd && cc1 != LevelOpen {
		return true, OrientationCC1, false
	}
	if cc2Rd && cc2 != LevelOpen {
		return true, OrientationCC2, false
	}
	return false, OrientationNone, false
}

// Wait implements Detector.
func (d *Debouncer) Wait(ctx context.Context) (Event, Orientation, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var candidate struct {
		attached    bool
		orientation Orientation
		debug       bool
	}
	stableSince := time.Time{}

	for {
		cc1, cc2 := d.sample()
		attached, orientation, isDebug := classify(cc1, cc2)

		changed := attached != candidate.attached ||
			orientation != candidate.orientation ||
			isDebug != candidate.debug
		if changed || stableSince.IsZero() {
			candidate.attached, candidate.orientation, candidate.debug = attached, orientation, isDebug
			stableSince = time.Now()
		}

		if time.Since(stableSince) >= d.debounce {
			if candidate.debug {
				return EventDebugAccessory, OrientationNone, ErrDebugAccessory
			}
			if candidate.attached && !d.attached {
				d.attached, d.orientation = true, candidate.orientation
				return EventAttached, candidate.orientation, nil
			}
			if !candidate.attached && d.attached {
				d.attached, d.orientation = false, OrientationNone
				return EventDetached, OrientationNone, nil
			}
			// Stable but already reported (e.g. orientation confirmed
			// after an attach already surfaced): keep polling for the
			// next real transition.
		}

		select {
		case <-ctx.Done():
			return EventDetached, OrientationNone, ctx.Err()
		case <-ticker.C:
		}
	}
}
