// Package prl implements the USB-PD Protocol Engine: frame reception with
// length/CRC checking, automatic GoodCRC replies, message-id dedup,
// transmission with bounded retries awaiting GoodCRC, and hard-reset
// detection.
//
// It sits directly on top of a phy.PHY and hands typed pdmsg.Message
// values to the policy engine (package pe) above it. One PRL instance
// owns its PHY exclusively; it is not safe for concurrent use.
package prl

import (
	"context"
	"errors"
	"time"

	"github.com/go-usbpd/sink/pdmsg"
	"github.com/go-usbpd/sink/phy"
)

const (
	// TimeoutReceive is how long Transmit waits for a GoodCRC reply
	// before retrying (USB-PD R2.0 tReceive).
	TimeoutReceive = 3 * time.Millisecond

	// transmitAttempts is the initial send plus up to 3 retries.
	transmitAttempts = 4

	// discardedBackoff is how long Transmit waits before retrying after
	// the PHY reports the line was not idle.
	discardedBackoff = 1 * time.Millisecond
)

// ErrHardReset is returned by Receive and Transmit when a hard reset was
// observed (sent or received) instead of completing normally.
var ErrHardReset = phy.ErrHardReset

// PRL is the USB-PD Protocol Engine for one attached port. Create one per
// attach event and discard it on detach.
type PRL struct {
	phy            phy.PHY
	headerTemplate pdmsg.Header

	rxMessageID    uint8
	haveRxMessageID bool
	txMessageID    uint8

	// buf is reused by Receive's main loop and by Transmit's GoodCRC
	// wait; the two never run concurrently on one PRL.
	buf [pdmsg.MaxMessageBytes]byte
}

// New creates a Protocol Engine over phy using headerTemplate for the
// constant role/revision fields of every header it sends (message type,
// message id and data-object count are overwritten per message).
func New(p phy.PHY, headerTemplate pdmsg.Header) *PRL {
	return &PRL{
		phy:            p,
		headerTemplate: headerTemplate,
	}
}

// resetIDs clears rx/tx message-id state, as required on any hard reset
// or soft reset event (USB-PD R2.0 §6.3.13).
func (p *PRL) resetIDs() {
	p.haveRxMessageID = false
	p.txMessageID = 0
}

// Receive returns the next accepted inbound message. objBuf is
// caller-owned storage for a Data message's objects; if objBuf is
// shorter than the message's object count, only the first len(objBuf)
// objects are copied into objBuf and into the returned message's Objects
// (the header's object count is left as received).
//
// Receive loops internally over transient errors (bad CRC, overrun, short
// or mis-sized frames, duplicate message ids) and only returns once a
// fresh frame has been accepted, a hard reset has occurred, or the PHY
// reports any other error (such as ctx expiring), which is returned
// unchanged.
func (p *PRL) Receive(ctx context.Context, objBuf []uint32) (pdmsg.Message, error) {
	for {
		n, err := p.phy.Receive(ctx, p.buf[:])
		switch {
		case err == nil:
			// fall through to parsing below
		case errors.Is(err, phy.ErrCRC), errors.Is(err, phy.ErrOverrun):
			continue
		case errors.Is(err, phy.ErrHardReset):
			p.resetIDs()
			return pdmsg.Message{}, ErrHardReset
		default:
			return pdmsg.Message{}, err
		}

		if n < 2 {
			continue
		}

		rxHeader := pdmsg.DecodeHeader(p.buf[:2])
		numObjects := int(rxHeader.NumberOfDataObjects())
		expectedLen := 2 + 4*numObjects
		if n != expectedLen {
			continue
		}

		// A stray GoodCRC (e.g. a retransmission racing past Transmit's
		// own wait window) is neither acknowledged nor surfaced: GoodCRC
		// messages are never themselves GoodCRC'd.
		if numObjects == 0 && pdmsg.ControlMessageType(rxHeader.MessageType()) == pdmsg.ControlGoodCRC {
			continue
		}

		// Immediately acknowledge with a matching GoodCRC, before any
		// dedup/softreset bookkeeping, so a peer retransmission race
		// never leaves the frame unacknowledged.
		goodCRC := pdmsg.NewControl(p.headerTemplate, pdmsg.ControlGoodCRC)
		goodCRC.Header.SetMessageID(rxHeader.MessageID())
		var ackBuf [2]byte
		goodCRC.Header.Encode(ackBuf[:])
		if err := p.phy.Transmit(ctx, ackBuf[:]); err != nil {
			if errors.Is(err, phy.ErrHardReset) {
				p.resetIDs()
				return pdmsg.Message{}, ErrHardReset
			}
			// Discarded: the source will retransmit the frame; drop it
			// and wait for the retransmission.
			continue
		}

		isSoftReset := numObjects == 0 &&
			pdmsg.ControlMessageType(rxHeader.MessageType()) == pdmsg.ControlSoftReset
		if isSoftReset {
			p.resetIDs()
		}

		if !isSoftReset {
			id := rxHeader.MessageID()
			if p.haveRxMessageID && p.rxMessageID == id {
				continue
			}
			p.rxMessageID = id
			p.haveRxMessageID = true
		}

		msg := pdmsg.Message{Header: rxHeader}
		if numObjects > 0 {
			decoded := pdmsg.DecodeMessage(p.buf[:n])
			c := numObjects
			if len(objBuf) < c {
				c = len(objBuf)
			}
			copy(msg.Objects[:c], decoded.Objects[:c])
			copy(objBuf[:c], decoded.Objects[:c])
		}
		return msg, nil
	}
}

// Transmit encodes and sends msg, retrying up to 3 times while awaiting a
// matching GoodCRC. The message's own header role/revision fields are
// ignored: the outbound header is always built from the template plus
// msg's type and object count. The outbound message id is consumed
// exactly once, whether or not the send succeeds.
//
// success is false if all retries were exhausted without a matching
// GoodCRC; the caller is expected to escalate (typically a SoftReset).
func (p *PRL) Transmit(ctx context.Context, msg pdmsg.Message) (success bool, err error) {
	if !msg.IsData() && msg.ControlType() == pdmsg.ControlSoftReset {
		p.haveRxMessageID = false
		p.txMessageID = 0
	}

	id := p.txMessageID
	header := p.headerTemplate
	header.SetMessageID(id)
	header.SetNumberOfDataObjects(msg.NumObjects())
	if msg.IsData() {
		header.SetMessageType(uint8(msg.DataType()))
	} else {
		header.SetMessageType(uint8(msg.ControlType()))
	}
	out := pdmsg.Message{Header: header, Objects: msg.Objects}

	var frame [pdmsg.MaxMessageBytes]byte
	frameLen := out.Encode(frame[:])

	success = false
attempts:
	for attempt := 0; attempt < transmitAttempts; attempt++ {
		txErr := p.phy.Transmit(ctx, frame[:frameLen])
		switch {
		case txErr == nil:
			// sent, now wait for GoodCRC below
		case errors.Is(txErr, phy.ErrDiscarded):
			select {
			case <-time.After(discardedBackoff):
			case <-ctx.Done():
				p.txMessageID = (p.txMessageID + 1) % 8
				return false, ctx.Err()
			}
			continue attempts
		case errors.Is(txErr, phy.ErrHardReset):
			p.resetIDs()
			return false, ErrHardReset
		default:
			p.txMessageID = (p.txMessageID + 1) % 8
			return false, txErr
		}

		rctx, cancel := context.WithTimeout(ctx, TimeoutReceive)
		n, rxErr := p.phy.Receive(rctx, p.buf[:])
		cancel()
		switch {
		case rxErr == nil:
			if n == 2 {
				h := pdmsg.DecodeHeader(p.buf[:2])
				if !h.IsData() && pdmsg.ControlMessageType(h.MessageType()) == pdmsg.ControlGoodCRC && h.MessageID() == id {
					success = true
					break attempts
				}
			}
			// Wrong length/type/id: treat as a missed ack and retry.
		case errors.Is(rxErr, phy.ErrHardReset):
			p.resetIDs()
			return false, ErrHardReset
		default:
			// Crc, Overrun or timeout: retry.
		}
	}

	p.txMessageID = (p.txMessageID + 1) % 8
	return success, nil
}

// TransmitHardReset unconditionally emits a hard-reset signal via the
// PHY. It does not alter rx/tx message-id state: the subsequent
// Receive/Transmit call will observe the hard reset when the wire
// settles and reset ids then.
func (p *PRL) TransmitHardReset(ctx context.Context) error {
	return p.phy.TransmitHardReset(ctx)
}
