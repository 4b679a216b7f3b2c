// Package fusb302 implements a phy.PHY for the FUSB302 Type-C port
// controller from ONSemi.
//
// Unlike the chip's own auto-GoodCRC and auto-retry hardware assist
// (meant for use by a vendor stack that never sees raw frames), this
// driver disables both: GoodCRC replies and transmit retries are the
// Protocol Engine's job (package prl), running entirely in software
// over the raw byte frames this driver exposes. That split is what lets
// one prl/pe implementation run unmodified over any PHY, chip or
// software loopback alike.
package fusb302

import (
	"context"
	"errors"
	"time"

	"github.com/go-usbpd/sink/pdmsg"
	"github.com/go-usbpd/sink/phy"
)

// MPN represents the manufacturer part number.
type MPN uint8

// I2CAddress returns the I2C address of the FUSB302.
func (m MPN) I2CAddress() uint8 {
	return uint8(m)
}

// Manufacturer part numbers.
const (
	FUSB302BUCX   MPN = 0b100010
	FUSB302BMPX   MPN = 0b100010
	FUSB302VMPX   MPN = 0b100010
	FUSB302B01MPX MPN = 0b100011
	FUSB302B10MPX MPN = 0b100100
	FUSB302B11MPX MPN = 0b100101
)

// pollInterval is how often Receive/Transmit re-poll chip status while
// waiting for a frame, a FIFO drain, or a hard-reset acknowledgement.
const pollInterval = 200 * time.Microsecond

// txDrainTimeout bounds how long Transmit waits for the FIFO to drain
// before reporting the line as busy.
const txDrainTimeout = 2 * time.Millisecond

// hardResetSentTimeout bounds how long TransmitHardReset waits for chip
// confirmation that the hard-reset ordered set went out.
const hardResetSentTimeout = 5 * time.Millisecond

// FUSB302 is a phy.PHY backed by an FUSB302 over I2C.
type FUSB302 struct {
	port phy.I2C
	addr uint16

	// buf is scratch space for I2C transfers, sized once to avoid heap
	// allocation in steady state.
	buf [pdmsg.MaxMessageBytes + 10]byte
}

// New creates a driver for the FUSB302 at mpn's I2C address on port.
// The I2C bus must run at <=1MHz.
func New(port phy.I2C, mpn MPN) *FUSB302 {
	return &FUSB302{
		port: port,
		addr: uint16(mpn.I2CAddress()),
	}
}

func (f *FUSB302) write(r uint8, d byte) error {
	f.buf[0] = r
	f.buf[1] = d
	return f.port.Tx(f.addr, f.buf[:2], nil)
}

func (f *FUSB302) read(r uint8) (byte, error) {
	f.buf[0] = r
	err := f.port.Tx(f.addr, f.buf[:1], f.buf[1:2])
	return f.buf[1], err
}

func (f *FUSB302) writeMany(r uint8, d []byte) error {
	f.buf[0] = r
	copy(f.buf[1:], d)
	return f.port.Tx(f.addr, f.buf[:len(d)+1], nil)
}

func (f *FUSB302) readMany(r uint8, d []byte) error {
	f.buf[0] = r
	err := f.port.Tx(f.addr, f.buf[:1], f.buf[1:len(d)+1])
	if err == nil {
		copy(d, f.buf[1:len(d)+1])
	}
	return err
}

// Init resets the chip, configures auto-CC-detect in sink mode, and
// leaves GoodCRC generation and retry entirely to software: neither
// regSwitches1AutoGCRC nor regControl3's auto-retry bits are set.
func (f *FUSB302) Init() error {
	if err := f.write(regReset, regResetSWReset); err != nil {
		return err
	}

	// Flush the rx FIFO.
	if err := f.write(regControl1, 0b100); err != nil {
		return err
	}

	// Turn on all power rails.
	if err := f.write(regPower, regPowerPwrAll); err != nil {
		return err
	}

	// Turn on auto CC-detect toggle in sink mode.
	if err := f.write(regControl2, 0b00000101); err != nil {
		return err
	}

	// Auto-retry disabled: a retry here would race the Protocol Engine's
	// own retries and double up on the wire.
	if err := f.write(regControl3, 0); err != nil {
		return err
	}

	return nil
}

// settleCC waits for the chip's CC-toggle state machine to settle and
// enables tx/rx on the detected CC line, without turning on hardware
// auto-GoodCRC.
func (f *FUSB302) settleCC() error {
	status1A, err := f.read(regStatus1A)
	if err != nil {
		return err
	}

	var pol uint8
	var meas uint8
	switch (status1A >> regStatus1ATogSSPos) & regStatus1ATogSSMask {
	case regStatus1ATogSSSnk1:
		pol, meas = regSwitches1TxCC1En, regSwitches0MeasCC1
	case regStatus1ATogSSSnk2:
		pol, meas = regSwitches1TxCC2En, regSwitches0MeasCC2
	default:
		return ErrInvalidCCState
	}

	if err := f.write(regControl2, 0); err != nil { // stop toggling
		return err
	}
	if err := f.write(regSwitches1, regSwitches1SpecRev1|pol); err != nil {
		return err
	}
	return f.write(regSwitches0, meas|regSwitches0CC1PdEn|regSwitches0CC2PdEn)
}

// readInterruptA reads and (per the chip's read-to-clear semantics)
// clears pending InterruptA bits.
func (f *FUSB302) readInterruptA() (uint8, error) {
	return f.read(regInterruptA)
}

// Receive implements phy.PHY. It polls chip status until a fully framed
// message is available, CC settling completes, a hard reset is
// observed, or ctx is done.
func (f *FUSB302) Receive(ctx context.Context, buf []byte) (int, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status0A, err := f.read(regStatus0A)
		if err != nil {
			return 0, err
		}
		intA, err := f.readInterruptA()
		if err != nil {
			return 0, err
		}
		if intA&regInterruptAHardReset != 0 && status0A&regStatus0ARxHardReset != 0 {
			return 0, phy.ErrHardReset
		}
		if intA&regInterruptATogDone != 0 {
			if err := f.settleCC(); err != nil && err != ErrInvalidCCState {
				return 0, err
			}
		}

		status1, err := f.read(regStatus1)
		if err != nil {
			return 0, err
		}
		if status1&regStatus1RxEmpty == 0 {
			n, err := f.rxFrame(buf)
			if err != nil {
				return 0, err
			}
			if n > 0 {
				return n, nil
			}
			// rxFrame reports at least the 2 header bytes on success, so
			// n == 0 does not occur; keep polling if it ever did.
			continue
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// rxFrame pulls one framed message out of the chip's rx FIFO into buf,
// reading and dropping the 4 trailing CRC bytes, and returns the frame
// length (header plus data objects). The chip's CRC status is not
// consulted: the frame is returned as read, and ErrCRC is never reported.
func (f *FUSB302) rxFrame(buf []byte) (int, error) {
	var hdr [3]byte
	if err := f.readMany(regFIFOs, hdr[:]); err != nil {
		return 0, err
	}
	header := pdmsg.DecodeHeader(hdr[1:3])
	numObjects := int(header.NumberOfDataObjects())
	frameLen := 2 + 4*numObjects
	var scratch [4*pdmsg.MaxDataObjects + 4]byte

	if len(buf) < frameLen {
		// Drain and discard: caller's buffer is too small for this
		// frame.
		_ = f.readMany(regFIFOs, scratch[:4*numObjects+4])
		return 0, phy.ErrOverrun
	}

	header.Encode(buf)
	if numObjects > 0 {
		objAndCRC := scratch[:4*numObjects+4]
		if err := f.readMany(regFIFOs, objAndCRC); err != nil {
			return 0, err
		}
		copy(buf[2:frameLen], objAndCRC[:4*numObjects])
	} else {
		var crc [4]byte
		if err := f.readMany(regFIFOs, crc[:]); err != nil {
			return 0, err
		}
	}
	return frameLen, nil
}

// Transmit implements phy.PHY: it queues frame for transmission and
// waits for the chip to report the FIFO has drained (I_TXSENT), which
// confirms the bytes left the port, not that any GoodCRC was received
// for them — that confirmation is the Protocol Engine's job via a
// subsequent Receive call.
func (f *FUSB302) Transmit(ctx context.Context, frame []byte) error {
	// Flush TX FIFO.
	if err := f.write(regControl0, 0b01100100); err != nil {
		return err
	}

	var txBuf [9 + pdmsg.MaxMessageBytes]byte
	buf := txBuf[:9+len(frame)]
	copy(buf, []byte{fifoTokenSync1, fifoTokenSync1, fifoTokenSync1, fifoTokenSync2})
	buf[4] = fifoTokenPackSym | byte(len(frame))
	copy(buf[5:], frame)
	copy(buf[5+len(frame):], []byte{fifoTokenJamCRC, fifoTokenEOP, fifoTokenTxOff, fifoTokenTxOn})

	if err := f.writeMany(regFIFOs, buf); err != nil {
		return err
	}

	deadline := time.Now().Add(txDrainTimeout)
	for {
		status0A, err := f.read(regStatus0A)
		if err != nil {
			return err
		}
		intA, err := f.readInterruptA()
		if err != nil {
			return err
		}
		if intA&regInterruptAHardReset != 0 && status0A&regStatus0ARxHardReset != 0 {
			return phy.ErrHardReset
		}
		if intA&regInterruptATxSent != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return phy.ErrDiscarded
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// TransmitHardReset implements phy.PHY.
func (f *FUSB302) TransmitHardReset(ctx context.Context) error {
	r, err := f.read(regControl3)
	if err != nil {
		return err
	}
	if err := f.write(regControl3, r|regControl3SendHardReset); err != nil {
		return err
	}

	deadline := time.Now().Add(hardResetSentTimeout)
	for {
		intA, err := f.readInterruptA()
		if err != nil {
			return err
		}
		if intA&regInterruptAHardSent != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return nil // infallible from the caller's point of view
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

// ErrInvalidCCState is returned when the CC toggle state machine
// reports neither CC1 nor CC2 settled as a sink.
var ErrInvalidCCState = errors.New("fusb302: invalid cc state")

const (
	regSwitches0        = 0x02
	regSwitches0MeasCC2 = 1 << 3
	regSwitches0MeasCC1 = 1 << 2
	regSwitches0CC2PdEn = 1 << 1
	regSwitches0CC1PdEn = 1 << 0

	regSwitches1         = 0x03
	regSwitches1SpecRev1 = 1 << 6
	regSwitches1TxCC2En  = 1 << 1
	regSwitches1TxCC1En  = 1 << 0

	regControl0 = 0x06
	regControl1 = 0x07
	regControl2 = 0x08

	regControl3              = 0x09
	regControl3SendHardReset = 1 << 6

	regPower       = 0x0B
	regPowerPwrAll = 0xF

	regReset        = 0x0C
	regResetSWReset = 1 << 0

	regStatus0A            = 0x3C
	regStatus0ARxHardReset = 1 << 0

	regStatus1A = 0x3D

	regStatus1ATogSSSnk1 = 0b101
	regStatus1ATogSSSnk2 = 0b110
	regStatus1ATogSSPos  = 3
	regStatus1ATogSSMask = 0x7

	regInterruptA          = 0x3E
	regInterruptATogDone   = 1 << 6
	regInterruptATxSent    = 1 << 2
	regInterruptAHardSent  = 1 << 3
	regInterruptAHardReset = 1 << 0

	regStatus1        = 0x41
	regStatus1RxEmpty = 1 << 5

	regFIFOs = 0x43

	fifoTokenTxOn    = 0xA1
	fifoTokenSync1   = 0x12
	fifoTokenSync2   = 0x13
	fifoTokenPackSym = 0x80
	fifoTokenJamCRC  = 0xFF
	fifoTokenEOP     = 0x14
	fifoTokenTxOff   = 0xFE
)
