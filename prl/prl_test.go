package prl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-usbpd/sink/pdmsg"
	"github.com/go-usbpd/sink/phy"
)

// rxResult is one scripted reply to a Receive call.
type rxResult struct {
	frame []byte
	err   error
}

// fakePHY is a scriptable phy.PHY: Receive replays a queue of canned
// results (frames or errors) and Transmit records every frame it was
// asked to send, optionally failing the next N calls with a fixed error.
type fakePHY struct {
	rx   []rxResult
	rxAt int

	sent [][]byte

	// txFail, if > 0, makes the next txFail Transmit calls return txErr
	// and decrements; afterwards Transmit succeeds and records the frame.
	txFail int
	txErr  error

	hardReset bool
}

func (f *fakePHY) Receive(ctx context.Context, buf []byte) (int, error) {
	if f.rxAt >= len(f.rx) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	r := f.rx[f.rxAt]
	f.rxAt++
	if r.err != nil {
		return 0, r.err
	}
	n := copy(buf, r.frame)
	return n, nil
}

func (f *fakePHY) Transmit(ctx context.Context, frame []byte) error {
	if f.txFail > 0 {
		f.txFail--
		return f.txErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakePHY) TransmitHardReset(ctx context.Context) error {
	f.hardReset = true
	return nil
}

func testHeaderTemplate() pdmsg.Header {
	var h pdmsg.Header
	h.SetPortDataRole(pdmsg.PortDataRoleUFP)
	h.SetSpecificationRevision(pdmsg.Revision20)
	h.SetPortPowerRole(pdmsg.PortPowerRoleSink)
	return h
}

// encodeFrame is a small test helper building a raw wire frame with the
// given type, id and data objects. The objects are serialized by hand
// rather than through pdmsg.Message.Encode (so a bug there wouldn't mask
// a bug here); only the header goes through pdmsg.Header.Encode.
func encodeFrame(msgType uint8, id uint8, numObjects uint8, objects ...uint32) []byte {
	var h pdmsg.Header
	h.SetMessageType(msgType)
	h.SetMessageID(id)
	h.SetNumberOfDataObjects(numObjects)
	buf := make([]byte, 2+4*len(objects))
	h.Encode(buf)
	for i, o := range objects {
		b := buf[2+4*i:]
		b[0], b[1], b[2], b[3] = byte(o), byte(o>>8), byte(o>>16), byte(o>>24)
	}
	return buf
}

func TestReceiveAcksAndDecodesDataMessage(t *testing.T) {
	frame := encodeFrame(uint8(pdmsg.DataSourceCapabilities), 2, 1, 0xdeadbeef)
	f := &fakePHY{rx: []rxResult{{frame: frame}}}
	p := New(f, testHeaderTemplate())

	var objBuf [pdmsg.MaxDataObjects]uint32
	msg, err := p.Receive(context.Background(), objBuf[:])
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !msg.IsData() || msg.DataType() != pdmsg.DataSourceCapabilities {
		t.Fatalf("got %v, want SourceCapabilities data message", msg)
	}
	if objBuf[0] != 0xdeadbeef {
		t.Fatalf("objBuf[0] = %#x, want 0xdeadbeef", objBuf[0])
	}

	if len(f.sent) != 1 {
		t.Fatalf("expected exactly one GoodCRC reply, got %d sends", len(f.sent))
	}
	ack := pdmsg.DecodeHeader(f.sent[0])
	if ack.IsData() || pdmsg.ControlMessageType(ack.MessageType()) != pdmsg.ControlGoodCRC {
		t.Fatalf("reply was not a GoodCRC: %v", ack)
	}
	if ack.MessageID() != 2 {
		t.Fatalf("GoodCRC id = %d, want 2", ack.MessageID())
	}
}

func TestReceiveDropsDuplicateMessageID(t *testing.T) {
	frame := encodeFrame(uint8(pdmsg.ControlPing), 4, 0)
	nextFrame := encodeFrame(uint8(pdmsg.ControlAccept), 5, 0)
	f := &fakePHY{rx: []rxResult{{frame: frame}, {frame: frame}, {frame: nextFrame}}}
	p := New(f, testHeaderTemplate())

	msg, err := p.Receive(context.Background(), nil)
	if err != nil || msg.ControlType() != pdmsg.ControlPing {
		t.Fatalf("first Receive = %v, %v", msg, err)
	}
	// The duplicate (same id 4) must be swallowed internally and the
	// loop must proceed straight to the next distinct frame.
	msg, err = p.Receive(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Receive: %v", err)
	}
	if msg.ControlType() != pdmsg.ControlAccept || msg.Header.MessageID() != 5 {
		t.Fatalf("got %v, want Accept id 5", msg)
	}
	// Three inbound frames were consumed, but only two distinct messages
	// were surfaced, each acked once -> 3 GoodCRC replies sent in total
	// (one per inbound frame, including the duplicate).
	if len(f.sent) != 3 {
		t.Fatalf("expected 3 GoodCRC replies, got %d", len(f.sent))
	}
}

func TestReceiveSoftResetAlwaysDelivered(t *testing.T) {
	first := encodeFrame(uint8(pdmsg.ControlSoftReset), 0, 0)
	second := encodeFrame(uint8(pdmsg.ControlSoftReset), 0, 0)
	f := &fakePHY{rx: []rxResult{{frame: first}, {frame: second}}}
	p := New(f, testHeaderTemplate())
	p.haveRxMessageID = true
	p.rxMessageID = 0

	msg, err := p.Receive(context.Background(), nil)
	if err != nil || msg.ControlType() != pdmsg.ControlSoftReset {
		t.Fatalf("first SoftReset: %v, %v", msg, err)
	}
	// A second SoftReset with the same id 0 must still be delivered, not
	// deduped, because a SoftReset always clears rx id state first.
	msg, err = p.Receive(context.Background(), nil)
	if err != nil || msg.ControlType() != pdmsg.ControlSoftReset {
		t.Fatalf("second SoftReset: %v, %v", msg, err)
	}
}

func TestReceiveSkipsBadCRCAndOverrun(t *testing.T) {
	good := encodeFrame(uint8(pdmsg.ControlPing), 1, 0)
	f := &fakePHY{rx: []rxResult{
		{err: phy.ErrCRC},
		{err: phy.ErrOverrun},
		{frame: good},
	}}
	p := New(f, testHeaderTemplate())

	msg, err := p.Receive(context.Background(), nil)
	if err != nil || msg.ControlType() != pdmsg.ControlPing {
		t.Fatalf("got %v, %v, want Ping", msg, err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("expected exactly one GoodCRC (for the good frame only), got %d", len(f.sent))
	}
}

func TestReceiveHardResetClearsIDsAndPropagates(t *testing.T) {
	f := &fakePHY{rx: []rxResult{{err: phy.ErrHardReset}}}
	p := New(f, testHeaderTemplate())
	p.haveRxMessageID = true
	p.rxMessageID = 5
	p.txMessageID = 3

	_, err := p.Receive(context.Background(), nil)
	if !errors.Is(err, phy.ErrHardReset) {
		t.Fatalf("err = %v, want ErrHardReset", err)
	}
	if p.haveRxMessageID || p.txMessageID != 0 {
		t.Fatal("hard reset did not clear id state")
	}
}

func TestTransmitSucceedsOnFirstTry(t *testing.T) {
	f := &fakePHY{}
	p := New(f, testHeaderTemplate())

	// Queue the GoodCRC the fake will hand back once the request message
	// has gone out; its id must match the PRL's starting tx id (0).
	goodCRCFrame := encodeFrame(uint8(pdmsg.ControlGoodCRC), 0, 0)
	f.rx = []rxResult{{frame: goodCRCFrame}}

	msg := pdmsg.NewControl(testHeaderTemplate(), pdmsg.ControlGetSinkCap)
	ok, err := p.Transmit(context.Background(), msg)
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if !ok {
		t.Fatal("Transmit reported failure despite matching GoodCRC")
	}
	if len(f.sent) != 1 {
		t.Fatalf("expected exactly one frame sent, got %d", len(f.sent))
	}
	if p.txMessageID != 1 {
		t.Fatalf("txMessageID = %d, want 1 after one successful send", p.txMessageID)
	}
}

func TestTransmitRetriesOnMissingGoodCRCThenFails(t *testing.T) {
	f := &fakePHY{}
	// No GoodCRC ever queued: every Receive blocks until its per-attempt
	// context times out.
	p := New(f, testHeaderTemplate())

	msg := pdmsg.NewControl(testHeaderTemplate(), pdmsg.ControlPing)
	ok, err := p.Transmit(context.Background(), msg)
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if ok {
		t.Fatal("Transmit reported success with no GoodCRC ever observed")
	}
	if len(f.sent) != transmitAttempts {
		t.Fatalf("sent %d frames, want %d attempts", len(f.sent), transmitAttempts)
	}
	if p.txMessageID != 1 {
		t.Fatalf("txMessageID = %d, want 1 (consumed exactly once)", p.txMessageID)
	}
}

func TestTransmitRetriesOnDiscardedLine(t *testing.T) {
	f := &fakePHY{txFail: 2, txErr: phy.ErrDiscarded}
	goodCRCFrame := encodeFrame(uint8(pdmsg.ControlGoodCRC), 0, 0)
	f.rx = []rxResult{{frame: goodCRCFrame}}
	p := New(f, testHeaderTemplate())

	msg := pdmsg.NewControl(testHeaderTemplate(), pdmsg.ControlPing)
	ok, err := p.Transmit(context.Background(), msg)
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if !ok {
		t.Fatal("expected eventual success after discards")
	}
	if len(f.sent) != 1 {
		t.Fatalf("expected exactly one recorded (successful) send, got %d", len(f.sent))
	}
}

func TestTransmitHardResetDuringSendDoesNotConsumeID(t *testing.T) {
	f := &fakePHY{txFail: 1, txErr: phy.ErrHardReset}
	p := New(f, testHeaderTemplate())

	msg := pdmsg.NewControl(testHeaderTemplate(), pdmsg.ControlPing)
	ok, err := p.Transmit(context.Background(), msg)
	if !errors.Is(err, phy.ErrHardReset) {
		t.Fatalf("err = %v, want ErrHardReset", err)
	}
	if ok {
		t.Fatal("Transmit reported success on hard reset")
	}
	if p.txMessageID != 0 {
		t.Fatalf("txMessageID = %d, want 0 (hard reset aborts before increment)", p.txMessageID)
	}
}

func TestTransmitSoftResetClearsRxIDBeforeSending(t *testing.T) {
	f := &fakePHY{}
	goodCRCFrame := encodeFrame(uint8(pdmsg.ControlGoodCRC), 0, 0)
	f.rx = []rxResult{{frame: goodCRCFrame}}
	p := New(f, testHeaderTemplate())
	p.haveRxMessageID = true
	p.rxMessageID = 6

	msg := pdmsg.NewControl(testHeaderTemplate(), pdmsg.ControlSoftReset)
	if _, err := p.Transmit(context.Background(), msg); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if p.haveRxMessageID {
		t.Fatal("SoftReset transmit did not clear rx message id state")
	}
}

// TestTransmitSoftResetResetsTxIDBeforeSending covers spec.md §9(b): the
// SoftReset frame itself must carry message id 0, and the running
// txMessageID counter must be reset to 0 before that id is computed, not
// merely incremented from wherever it was (USB-PD R2.0 §6.3.13; spec.md
// §8 property 5 requires this for any SoftReset, sent or received).
func TestTransmitSoftResetResetsTxIDBeforeSending(t *testing.T) {
	f := &fakePHY{}
	goodCRCFrame := encodeFrame(uint8(pdmsg.ControlGoodCRC), 0, 0)
	f.rx = []rxResult{{frame: goodCRCFrame}}
	p := New(f, testHeaderTemplate())
	p.txMessageID = 5

	msg := pdmsg.NewControl(testHeaderTemplate(), pdmsg.ControlSoftReset)
	if _, err := p.Transmit(context.Background(), msg); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("expected exactly one frame sent, got %d", len(f.sent))
	}
	sentHeader := pdmsg.DecodeHeader(f.sent[0])
	if sentHeader.MessageID() != 0 {
		t.Fatalf("SoftReset frame carried id %d, want 0", sentHeader.MessageID())
	}
	if p.txMessageID != 1 {
		t.Fatalf("txMessageID = %d, want 1 (reset to 0, then incremented once)", p.txMessageID)
	}
}

func TestTimeoutReceiveIsShort(t *testing.T) {
	if TimeoutReceive > 5*time.Millisecond {
		t.Fatalf("TimeoutReceive = %v, expected a low single-digit millisecond bound", TimeoutReceive)
	}
}
