// Package pe implements the USB Power Delivery Policy Engine for the Sink
// port role: the state machine that negotiates a single power contract
// with an attached Source and reports the outcome to the application via
// a small event interface.
//
// Framing, retries and GoodCRC bookkeeping are the concern of the layer
// below (package prl); pe only ever exchanges typed pdmsg.Message values.
package pe

import (
	"context"
	"errors"
	"time"

	"github.com/go-usbpd/sink/pdmsg"
	"github.com/go-usbpd/sink/prl"
)

// Timeouts mandated by USB-PD R2.0 §6.8 (AMS timing table) for the
// messages a Sink waits on.
const (
	// TimeoutSenderResponse bounds how long the sink waits for
	// Accept/Reject/Wait after sending a Request.
	TimeoutSenderResponse = 30 * time.Millisecond

	// TimeoutPSTransition bounds how long the sink waits for PS_RDY
	// after an Accept, during the Source's power-supply transition.
	TimeoutPSTransition = 500 * time.Millisecond
)

// MaxHardResetAttempts is the number of consecutive hard resets the sink
// will issue before giving up on the link entirely.
const MaxHardResetAttempts = 2

// ErrHardResetLimitExceeded is returned by RunSink when MaxHardResetAttempts
// consecutive hard resets have failed to restore a working link.
var ErrHardResetLimitExceeded = errors.New("pe: hard reset limit exceeded")

// Event identifies a notable transition the sink's state machine made,
// delivered to an EventHandler.
type Event int

// Events reported by Sink.
const (
	// EventPowerReady fires once the Source's PS_RDY confirms the
	// negotiated contract is live on VBUS.
	EventPowerReady Event = iota
	// EventPowerNotReady fires when the Source rejected or deferred the
	// sink's Request; the previous contract, if any, remains in force.
	EventPowerNotReady
	// EventAccepted fires when the Source accepted the Request, before
	// the PS_RDY wait begins.
	EventAccepted
	// EventRejected fires when the Source explicitly rejected the
	// Request.
	EventRejected
	// EventSoftReset fires whenever a soft reset (sent or received)
	// returns the state machine to Idle.
	EventSoftReset
	// EventHardReset fires whenever a hard reset (sent or received)
	// returns the state machine to Idle, counted against
	// MaxHardResetAttempts.
	EventHardReset
)

func (e Event) String() string {
	switch e {
	case EventPowerReady:
		return "PowerReady"
	case EventPowerNotReady:
		return "PowerNotReady"
	case EventAccepted:
		return "Accepted"
	case EventRejected:
		return "Rejected"
	case EventSoftReset:
		return "SoftReset"
	case EventHardReset:
		return "HardReset"
	default:
		return "Unknown"
	}
}

// EventHandler is notified of state machine transitions. Implementations
// must return quickly; RunSink does not proceed past an event until the
// handler returns.
type EventHandler interface {
	HandleEvent(e Event)
}

// EventHandlerFunc adapts a function to an EventHandler.
type EventHandlerFunc func(Event)

// HandleEvent implements EventHandler.
func (f EventHandlerFunc) HandleEvent(e Event) { f(e) }

// CapabilityEvaluator picks which advertised source PDO to request given
// the advertised Fixed-Supply capabilities. objects holds one entry per
// advertised data object, each read as a pdmsg.FixedSupplyPDO (callers that advertise any
// other PDO type are expected to skip those positions when searching).
//
// The returned RequestDO's ObjectPosition must be a 1-based index into
// objects; a CapabilityEvaluator that finds no acceptable offer should
// set RequestDO.SetCapabilityMismatch(true) and pick the first fixed
// entry as a formality, matching USB-PD R2.0 §6.4.2's mismatch handling.
type CapabilityEvaluator interface {
	Evaluate(objects []pdmsg.FixedSupplyPDO) pdmsg.RequestDO
}

// CapabilityEvaluatorFunc adapts a function to a CapabilityEvaluator.
type CapabilityEvaluatorFunc func([]pdmsg.FixedSupplyPDO) pdmsg.RequestDO

// Evaluate implements CapabilityEvaluator.
func (f CapabilityEvaluatorFunc) Evaluate(objects []pdmsg.FixedSupplyPDO) pdmsg.RequestDO {
	return f(objects)
}

// DefaultEvaluator implements spec.md §4.2 step 1's literal default
// behavior: always select object position 1 (by convention the 5V fixed
// supply) with both MaxOperatingCurrent and OperatingCurrent set to the
// sink's own configured operating current, no optional flags set.
//
// NewSink installs this automatically when eval is nil, so a caller with
// no device-policy opinion of its own still negotiates the configured
// current rather than whatever the Source happens to advertise at
// position 1.
type DefaultEvaluator struct {
	// OperatingCurrent is the sink's configured operating current, in the
	// 10mA wire unit (see pdmsg.MilliampsToWireUnit).
	OperatingCurrent uint16
}

// Evaluate implements CapabilityEvaluator.
func (d DefaultEvaluator) Evaluate(objects []pdmsg.FixedSupplyPDO) pdmsg.RequestDO {
	var rdo pdmsg.RequestDO
	rdo.SetObjectPosition(1)
	ma := d.OperatingCurrent * 10
	rdo.SetMaxOperatingCurrent(ma)
	rdo.SetOperatingCurrent(ma)
	return rdo
}

// sinkState is the Policy Engine's negotiation state, per spec.
type sinkState int

const (
	stateIdle sinkState = iota
	stateNegotiatingAcceptWait
	stateNegotiatingPsRdyWait
	stateReady
)

// protocolEngine is the subset of *prl.PRL the Policy Engine relies on.
// Narrowing it to an interface lets the state machine be exercised
// against a scripted fake without a real PHY underneath.
type protocolEngine interface {
	Receive(ctx context.Context, objBuf []uint32) (pdmsg.Message, error)
	Transmit(ctx context.Context, msg pdmsg.Message) (bool, error)
	TransmitHardReset(ctx context.Context) error
}

// Sink runs the Policy Engine state machine for the sink port role over
// one Protocol Engine instance. Create one per attach event and discard
// it, along with its PRL, on detach or on ErrHardResetLimitExceeded.
type Sink struct {
	prl          protocolEngine
	capEval      CapabilityEvaluator
	eventHandler EventHandler

	// operatingCurrent is this sink's advertised operating current, in
	// the 10mA wire unit, reported in response to GetSinkCap.
	operatingCurrent uint16

	hardResetCount int
	state          sinkState
}

// NewSink creates a Policy Engine sink role over p, using eval to choose
// a power contract from each SourceCapabilities message and handler to
// report state transitions. handler may be nil to discard all events.
// eval may be nil, in which case DefaultEvaluator is installed, matching
// spec.md §4.2 step 1's literal default: always request object position
// 1 at this sink's own configured operating current. operatingMA is this
// sink's own advertised operating current at 5V, in milliamps, converted
// to the wire's 10mA unit by ceiling division (see
// pdmsg.MilliampsToWireUnit); it is advertised to the Source on
// GetSinkCap and, absent a custom eval, is also what gets negotiated.
func NewSink(p *prl.PRL, eval CapabilityEvaluator, handler EventHandler, operatingMA uint16) *Sink {
	return newSink(p, eval, handler, operatingMA)
}

func newSink(p protocolEngine, eval CapabilityEvaluator, handler EventHandler, operatingMA uint16) *Sink {
	if handler == nil {
		handler = EventHandlerFunc(func(Event) {})
	}
	operatingCurrent := pdmsg.MilliampsToWireUnit(operatingMA)
	if eval == nil {
		eval = DefaultEvaluator{OperatingCurrent: operatingCurrent}
	}
	return &Sink{
		prl:              p,
		capEval:          eval,
		eventHandler:     handler,
		operatingCurrent: operatingCurrent,
	}
}

// RunSink drives the negotiation state machine until ctx is cancelled or
// the hard reset budget is exhausted. It blocks; callers typically run it
// in its own goroutine per attached port and cancel ctx on detach.
func (s *Sink) RunSink(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.idleLoop(ctx); err != nil {
			if errors.Is(err, ErrHardResetLimitExceeded) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Any other error (context-independent I/O failure) loops
			// back to Idle; the link-level recovery already happened
			// inside idleLoop/negotiate before the error was returned.
			continue
		}
	}
}

// idleLoop waits in Idle for a SourceCapabilities message (handling
// SoftReset and HardReset along the way) and then drives one full
// negotiation attempt.
func (s *Sink) idleLoop(ctx context.Context) error {
	s.state = stateIdle
	var objBuf [pdmsg.MaxDataObjects]uint32

	for {
		msg, err := s.prl.Receive(ctx, objBuf[:])
		if err != nil {
			return s.handleLinkError(ctx, err)
		}

		if !msg.IsData() {
			switch msg.ControlType() {
			case pdmsg.ControlSoftReset:
				if err := s.replyToSoftReset(ctx); err != nil {
					return err
				}
				continue
			case pdmsg.ControlPing:
				continue
			case pdmsg.ControlGetSinkCap:
				if err := s.sendSinkCapabilities(ctx); err != nil {
					return s.handleLinkError(ctx, err)
				}
				continue
			}
		} else if msg.DataType() == pdmsg.DataSourceCapabilities {
			return s.negotiate(ctx, msg, objBuf[:msg.NumObjects()])
		} else if msg.DataType() == pdmsg.DataVendorDefined {
			continue
		}

		// Anything else (DrSwap, PrSwap, VconnSwap, GotoMin, a stray
		// Request/BIST, ...) is unsupported by this sink role.
		if err := s.rejectUnsupported(ctx); err != nil {
			return s.handleLinkError(ctx, err)
		}
	}
}

// sendSinkCapabilities replies to GetSinkCap with this sink's single
// advertised Fixed-Supply profile: 5V at its configured operating
// current, no optional flags set.
func (s *Sink) sendSinkCapabilities(ctx context.Context) error {
	var pdo pdmsg.FixedSupplyPDO
	pdo.SetVoltage(5000)
	pdo.SetOperatingCurrent(s.operatingCurrent * 10)
	msg := pdmsg.NewData(pdmsg.Header(0), pdmsg.DataSinkCapabilities, uint32(pdo))
	_, err := s.prl.Transmit(ctx, msg)
	return err
}

// rejectUnsupported replies Control(Reject) to a message this sink role
// does not implement (USB-PD R2.0 §6.8.1's catch-all for unrecognized or
// unsupported messages).
func (s *Sink) rejectUnsupported(ctx context.Context) error {
	msg := pdmsg.NewControl(pdmsg.Header(0), pdmsg.ControlReject)
	_, err := s.prl.Transmit(ctx, msg)
	return err
}

// negotiate runs one Request/Accept-or-Reject/PS_RDY cycle for a freshly
// received SourceCapabilities message.
func (s *Sink) negotiate(ctx context.Context, caps pdmsg.Message, objects []uint32) error {
	pdos := make([]pdmsg.FixedSupplyPDO, len(objects))
	for i, o := range objects {
		pdos[i] = pdmsg.FixedSupplyPDO(o)
	}
	rdo := s.capEval.Evaluate(pdos)

	req := pdmsg.NewData(caps.Header, pdmsg.DataRequest, uint32(rdo))
	s.state = stateNegotiatingAcceptWait
	ok, err := s.prl.Transmit(ctx, req)
	if err != nil {
		return s.handleLinkError(ctx, err)
	}
	if !ok {
		return s.softResetAndRetry(ctx)
	}

	reply, err := s.receiveTimeout(ctx, TimeoutSenderResponse)
	if err != nil {
		// spec.md §4.2 step 3: a missed Sender Response deadline escalates
		// straight to HardReset, not through a SoftReset first (see
		// original_source/src/policy_engine.rs's receive_timeout, used
		// for this exact wait).
		if errors.Is(err, context.DeadlineExceeded) {
			return s.hardResetAndRetry(ctx)
		}
		return s.handleLinkError(ctx, err)
	}

	if !reply.IsData() && reply.ControlType() == pdmsg.ControlSoftReset {
		return s.replyToSoftReset(ctx)
	}
	if reply.IsData() {
		// Unexpected Data message in place of Accept/Reject/Wait.
		return s.softResetAndRetry(ctx)
	}

	switch reply.ControlType() {
	case pdmsg.ControlAccept:
		s.eventHandler.HandleEvent(EventAccepted)
		return s.waitPSRdy(ctx)
	case pdmsg.ControlReject, pdmsg.ControlWait:
		if reply.ControlType() == pdmsg.ControlReject {
			s.eventHandler.HandleEvent(EventRejected)
		}
		s.eventHandler.HandleEvent(EventPowerNotReady)
		s.state = stateIdle
		return nil
	default:
		return s.softResetAndRetry(ctx)
	}
}

// waitPSRdy waits for the Source's PS_RDY confirming the new contract is
// live, after an Accept.
func (s *Sink) waitPSRdy(ctx context.Context) error {
	s.state = stateNegotiatingPsRdyWait
	reply, err := s.receiveTimeout(ctx, TimeoutPSTransition)
	if err != nil {
		// spec.md §4.2 step 4: a missed PS Transition deadline escalates
		// straight to HardReset.
		if errors.Is(err, context.DeadlineExceeded) {
			return s.hardResetAndRetry(ctx)
		}
		return s.handleLinkError(ctx, err)
	}

	if !reply.IsData() && reply.ControlType() == pdmsg.ControlSoftReset {
		return s.replyToSoftReset(ctx)
	}
	if !reply.IsData() && reply.ControlType() == pdmsg.ControlPsRdy {
		s.state = stateReady
		s.eventHandler.HandleEvent(EventPowerReady)
		s.hardResetCount = 0
		return nil
	}
	// Any other message (not a timeout): spec.md §4.2 step 4 routes this
	// through the same SoftReset-then-escalate ladder as step 3, not
	// straight to HardReset.
	return s.softResetAndRetry(ctx)
}

// replyToSoftReset acknowledges an inbound SoftReset by transmitting
// Control(Accept) and returns to Idle, per USB-PD R2.0 §8.3.3.3's Sink
// SoftReset state diagram: the receiver of a SoftReset replies Accept,
// it does not send a SoftReset of its own.
func (s *Sink) replyToSoftReset(ctx context.Context) error {
	msg := pdmsg.NewControl(pdmsg.Header(0), pdmsg.ControlAccept)
	_, err := s.prl.Transmit(ctx, msg)
	s.state = stateIdle
	s.eventHandler.HandleEvent(EventSoftReset)
	if err != nil {
		return s.handleLinkError(ctx, err)
	}
	return nil
}

// softResetAndRetry is the escalate helper: it recovers from a
// protocol-level disagreement (missing GoodCRC after retries, an
// unexpected reply) by sending a SoftReset and awaiting the peer's
// Accept within TimeoutSenderResponse. Per spec.md §7: "PE emits
// SoftReset; on Accept within 30 ms, returns to Idle; otherwise
// escalates to HardReset" (original_source/src/policy_engine.rs's
// transmit_soft_reset implements the same wait-then-escalate ladder).
func (s *Sink) softResetAndRetry(ctx context.Context) error {
	msg := pdmsg.NewControl(pdmsg.Header(0), pdmsg.ControlSoftReset)
	_, err := s.prl.Transmit(ctx, msg)
	if err != nil {
		return s.handleLinkError(ctx, err)
	}
	s.eventHandler.HandleEvent(EventSoftReset)

	reply, err := s.receiveTimeout(ctx, TimeoutSenderResponse)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.hardResetAndRetry(ctx)
		}
		return s.handleLinkError(ctx, err)
	}
	if !reply.IsData() && reply.ControlType() == pdmsg.ControlAccept {
		s.state = stateIdle
		return nil
	}
	// Accept not received (wrong type, a Data message, or anything else):
	// the SoftReset handshake failed, so escalate to HardReset.
	return s.hardResetAndRetry(ctx)
}

// receiveTimeout waits for the next accepted inbound message, bounded by
// d, translating a missed deadline into context.DeadlineExceeded for the
// caller to classify (USB-PD timing table waits all share this shape:
// Sender Response, PS Transition, and the SoftReset ladder's own Accept
// wait).
func (s *Sink) receiveTimeout(ctx context.Context, d time.Duration) (pdmsg.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return s.prl.Receive(rctx, nil)
}

// hardResetAndRetry escalates to a hard reset after a SoftReset-level
// recovery would not be trusted to land (e.g. PS_RDY never arrived),
// counting against MaxHardResetAttempts.
func (s *Sink) hardResetAndRetry(ctx context.Context) error {
	s.hardResetCount++
	if s.hardResetCount > MaxHardResetAttempts {
		return ErrHardResetLimitExceeded
	}
	s.eventHandler.HandleEvent(EventHardReset)
	s.state = stateIdle
	return s.prl.TransmitHardReset(ctx)
}

// handleLinkError classifies an error surfaced by the Protocol Engine. A
// hard reset observed on the wire counts against the budget exactly like
// one this sink initiated; any other error propagates unchanged.
func (s *Sink) handleLinkError(ctx context.Context, err error) error {
	if errors.Is(err, prl.ErrHardReset) {
		s.hardResetCount++
		if s.hardResetCount > MaxHardResetAttempts {
			return ErrHardResetLimitExceeded
		}
		s.eventHandler.HandleEvent(EventHardReset)
		s.state = stateIdle
		return nil
	}
	return err
}
