// Package tcdpm implements device policy managers: the application-level
// policy that picks which of the Source's advertised PDOs to request.
// Each one implements pe.CapabilityEvaluator.
//
// Only Fixed-Supply PDOs are modeled, matching package pdmsg: a Source
// advertising a Programmable Power Supply, battery or variable-supply
// profile exposes those as ordinary gaps in the Fixed-Supply sequence,
// which CVPolicy and CPPolicy skip when choosing an offer.
package tcdpm

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-usbpd/sink/pdmsg"
	"github.com/go-usbpd/sink/pe"
)

// Policy is the interface every device policy manager in this package
// implements, adding parameter validation to pe.CapabilityEvaluator.
type Policy interface {
	// Validate returns an error if the policy parameters are invalid.
	Validate() error
	pe.CapabilityEvaluator
}

var (
	errBadCurrent            = errors.New("tcdpm: current must be >= 0mA & <= 5000mA")
	errBadVoltage            = errors.New("tcdpm: voltage must be >= 3300mV & <= 21000mV")
	errMaxVoltageLessThanMin = errors.New("tcdpm: max voltage must be >= min voltage")
)

// noAcceptableOffer is returned as a last-resort RequestDO when nothing in
// the advertised capabilities satisfies a policy: it selects object
// position 1 (mandatory, always present) and flags CapabilityMismatch so
// the Source knows not to treat this as a real acceptance of its terms.
func noAcceptableOffer() pdmsg.RequestDO {
	var rdo pdmsg.RequestDO
	rdo.SetObjectPosition(1)
	rdo.SetCapabilityMismatch(true)
	return rdo
}

// CVPolicy defines a constant voltage policy: the Source is expected to
// maintain the negotiated voltage and supply at least the negotiated
// current.
type CVPolicy struct {
	// MinVoltage and MaxVoltage bound the acceptable voltage, in
	// millivolts.
	MinVoltage uint16
	MaxVoltage uint16

	// Current is the current, in milliamps, the source must be able to
	// supply at the negotiated voltage.
	Current uint16

	// PreferLowerVoltage selects the lowest acceptable offer instead of
	// the default highest.
	PreferLowerVoltage bool
}

// Validate returns an error if the policy parameters are invalid.
func (c CVPolicy) Validate() error {
	if c.Current > 5000 {
		return errBadCurrent
	}
	if c.MinVoltage < 3300 || c.MaxVoltage < 3300 || c.MinVoltage > 21000 || c.MaxVoltage > 21000 {
		return errBadVoltage
	}
	if c.MinVoltage > c.MaxVoltage {
		return errMaxVoltageLessThanMin
	}
	return nil
}

// Evaluate implements pe.CapabilityEvaluator.
func (c CVPolicy) Evaluate(pdos []pdmsg.FixedSupplyPDO) pdmsg.RequestDO {
	var bestVoltage uint16
	if c.PreferLowerVoltage {
		bestVoltage = ^uint16(0)
	}
	best := noAcceptableOffer()
	found := false
	for i, p := range pdos {
		if uint32(p)>>30 != 0 { // not a Fixed-Supply PDO
			continue
		}
		v := p.Voltage()
		if v < c.MinVoltage || v > c.MaxVoltage || p.OperatingCurrent() < c.Current {
			continue
		}
		if !found || (c.PreferLowerVoltage && v < bestVoltage) || (!c.PreferLowerVoltage && v > bestVoltage) {
			var rdo pdmsg.RequestDO
			rdo.SetObjectPosition(uint8(i) + 1)
			rdo.SetMaxOperatingCurrent(c.Current)
			rdo.SetOperatingCurrent(c.Current)
			best = rdo
			bestVoltage = v
			found = true
		}
	}
	return best
}

// CPPolicy defines a constant power policy: the Source is expected to
// supply the configured power at the negotiated voltage. It is a special
// case of CVPolicy where the requested current is derived from power and
// voltage.
type CPPolicy struct {
	// MinVoltage and MaxVoltage bound the acceptable voltage, in
	// millivolts.
	MinVoltage uint16
	MaxVoltage uint16

	// Power is the power, in milliwatts, the source must be able to
	// supply at the negotiated voltage.
	Power uint16

	// PreferLowerVoltage selects the lowest acceptable offer instead of
	// the default highest.
	PreferLowerVoltage bool
}

// Validate returns an error if the policy parameters are invalid.
func (c CPPolicy) Validate() error {
	if c.MinVoltage < 3300 || c.MaxVoltage < 3300 || c.MinVoltage > 21000 || c.MaxVoltage > 21000 {
		return errBadVoltage
	}
	if c.MinVoltage > c.MaxVoltage {
		return errMaxVoltageLessThanMin
	}
	return nil
}

// Evaluate implements pe.CapabilityEvaluator.
func (c CPPolicy) Evaluate(pdos []pdmsg.FixedSupplyPDO) pdmsg.RequestDO {
	var bestVoltage uint16
	if c.PreferLowerVoltage {
		bestVoltage = ^uint16(0)
	}
	best := noAcceptableOffer()
	found := false
	for i, p := range pdos {
		if uint32(p)>>30 != 0 { // not a Fixed-Supply PDO
			continue
		}
		v := p.Voltage()
		if v < c.MinVoltage || v > c.MaxVoltage || v == 0 {
			continue
		}
		need := uint16((uint32(c.Power)*1000 + uint32(v) - 1) / uint32(v))
		if p.OperatingCurrent() < need {
			continue
		}
		if !found || (c.PreferLowerVoltage && v < bestVoltage) || (!c.PreferLowerVoltage && v > bestVoltage) {
			var rdo pdmsg.RequestDO
			rdo.SetObjectPosition(uint8(i) + 1)
			rdo.SetMaxOperatingCurrent(need)
			rdo.SetOperatingCurrent(need)
			best = rdo
			bestVoltage = v
			found = true
		}
	}
	return best
}

// Logger is a passthrough policy that writes a textual description of the
// Source's advertised Fixed-Supply capabilities to an io.Writer before
// delegating to an underlying policy. It is mostly useful for debugging
// or standalone capability inspection. Every object is printed as a
// Fixed-Supply PDO; its type bits are not inspected.
type Logger struct {
	w    io.Writer
	sep  string
	base Policy
}

// NewLogger creates a Logger writing to w, terminating each line with
// lineSep (commonly "\n"), optionally delegating Evaluate to base. If base is nil, Evaluate always returns a CapabilityMismatch
// RequestDO selecting object position 1.
func NewLogger(w io.Writer, lineSep string, base Policy) *Logger {
	return &Logger{w: w, sep: lineSep, base: base}
}

// Validate returns nil if the underlying policy (if any) is valid.
func (l *Logger) Validate() error {
	if l.base != nil {
		return l.base.Validate()
	}
	return nil
}

// Evaluate writes out a textual description of pdos and then delegates to
// the underlying policy, implementing pe.CapabilityEvaluator.
func (l *Logger) Evaluate(pdos []pdmsg.FixedSupplyPDO) pdmsg.RequestDO {
	fmt.Fprintf(l.w, "Received %d fixed-supply profiles:%s", len(pdos), l.sep)
	for i, p := range pdos {
		fmt.Fprintf(l.w, "  %d) %.1fV @ max. %.1fA", i+1, float32(p.Voltage())/1000, float32(p.OperatingCurrent())/1000)
		if p.UnconstrainedPower() {
			fmt.Fprint(l.w, " (unconstrained power)")
		}
		if p.DualRoleData() {
			fmt.Fprint(l.w, " (dual-role data)")
		}
		fmt.Fprint(l.w, l.sep)
	}
	if l.base != nil {
		return l.base.Evaluate(pdos)
	}
	return noAcceptableOffer()
}
