// Package phy defines the collaborator interfaces the protocol engine
// consumes: a byte-level USB-PD physical layer transceiver, and the I2C
// transport a port-controller driver typically sits on.
//
// Implementations live outside this module (board bring-up code); this
// package only fixes the contract so the protocol engine (package prl)
// and device drivers (e.g. tcpcdriver/fusb302) can be developed and
// tested independently of each other.
package phy

import (
	"context"
	"errors"
)

// PHY is the minimum contract the protocol engine requires of a USB-PD
// physical layer transceiver operating over a single CC wire in
// half-duplex biphase-mark-coding.
//
// CRC is computed, validated and stripped by the PHY: Receive's returned
// byte count excludes the CRC, and Transmit's frame argument excludes it
// as well. Implementations must not allocate on the heap after
// initialization.
type PHY interface {
	// Receive blocks until a complete BMC-decoded frame, a receive
	// error, or a hard-reset ordered set is observed, and copies the
	// frame (header plus data objects, CRC stripped) into buf, returning
	// the number of bytes written.
	//
	// Receive returns ErrCRC if the frame failed CRC validation, and
	// ErrOverrun if buf was too small or a framing overrun occurred; in
	// both cases no bytes were written and the caller should retry.
	// Receive returns ErrHardReset if a hard-reset ordered set was
	// received instead of a frame.
	Receive(ctx context.Context, buf []byte) (n int, err error)

	// Transmit adds CRC and emits frame as a BMC-encoded ordered set.
	// Transmit returns ErrDiscarded if the line was not idle within the
	// PHY's internal window (the caller is expected to retry), and
	// ErrHardReset if a hard-reset ordered set was observed instead.
	Transmit(ctx context.Context, frame []byte) error

	// TransmitHardReset emits a hard-reset ordered set. It is
	// infallible from the caller's point of view.
	TransmitHardReset(ctx context.Context) error
}

// I2C is the minimum interface to I2C hardware a port-controller driver
// needs: a single combined write-then-read transfer. Passing a nil w or r
// skips the corresponding half of the transfer.
type I2C interface {
	// Tx performs a write followed by a read, placing the result in r.
	// Tx must be safe to call concurrently from multiple goroutines.
	Tx(addr uint16, w, r []byte) error
}

// Sentinel errors returned by PHY implementations.
var (
	// ErrCRC indicates a received frame failed CRC validation.
	ErrCRC = errors.New("phy: crc error")

	// ErrOverrun indicates a receive buffer overrun or an incomplete
	// frame.
	ErrOverrun = errors.New("phy: overrun")

	// ErrDiscarded indicates a transmit attempt was discarded because
	// the line was not idle.
	ErrDiscarded = errors.New("phy: discarded, line not idle")

	// ErrHardReset indicates a hard-reset ordered set was observed in
	// place of the expected frame or acknowledgement.
	ErrHardReset = errors.New("phy: hard reset")
)
