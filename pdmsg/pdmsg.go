// Package pdmsg defines the wire types for USB Power Delivery Revision 2.0
// sink messages: the 16-bit Header, the 32-bit Request and Fixed-Supply
// data objects, and the small set of control/data message type
// enumerations a sink role needs.
//
// Only what a Sink negotiating a single Fixed-Supply contract requires is
// modeled here: PPS/variable/battery power data objects, BIST and
// Extended Messages are out of scope and have no representation.
package pdmsg

import "fmt"

const (
	// MaxDataObjects is the largest number of 32-bit data objects a
	// message may carry, per the 3-bit number_of_data_objects header
	// field.
	MaxDataObjects = 7

	// MaxMessageBytes is the largest encoded frame size: a 2-byte header
	// plus up to MaxDataObjects 4-byte data objects.
	MaxMessageBytes = 2 + 4*MaxDataObjects
)

// Header is the 16-bit USB-PD message header, little-endian on the wire.
type Header uint16

// DecodeHeader parses a little-endian encoded header from b[0:2].
func DecodeHeader(b []byte) Header {
	return Header(uint16(b[0]) | uint16(b[1])<<8)
}

// Encode writes the header little-endian into b[0:2] and returns 2.
func (h Header) Encode(b []byte) int {
	b[0] = byte(h)
	b[1] = byte(h >> 8)
	return 2
}

// Field layout, LSB to MSB (USB-PD R2.0 §6.2.1):
//
//	message_type            4 bits (0)
//	reserved                1 bit  (4)
//	port_data_role          1 bit  (5)
//	specification_revision  2 bits (6)
//	port_power_role         1 bit  (8)
//	message_id              3 bits (9)
//	number_of_data_objects  3 bits (12)
//	reserved                1 bit  (15)
const (
	shiftMessageType    = 0
	shiftPortDataRole   = 5
	shiftSpecRevision   = 6
	shiftPortPowerRole  = 8
	shiftMessageID      = 9
	shiftNumDataObjects = 12

	maskMessageType    = 0b1111
	maskPortDataRole   = 0b1
	maskSpecRevision   = 0b11
	maskPortPowerRole  = 0b1
	maskMessageID      = 0b111
	maskNumDataObjects = 0b111
)

func setField(h Header, shift uint, mask, v uint16) Header {
	return h&^(Header(mask)<<shift) | Header(v&mask)<<shift
}

// MessageType returns the raw 4-bit message type field. Whether it means
// a ControlMessageType or DataMessageType depends on NumberOfDataObjects.
func (h Header) MessageType() uint8 {
	return uint8(h>>shiftMessageType) & maskMessageType
}

// SetMessageType sets the raw 4-bit message type field.
func (h *Header) SetMessageType(t uint8) {
	*h = setField(*h, shiftMessageType, maskMessageType, uint16(t))
}

// PortDataRole returns the data role of the sender.
func (h Header) PortDataRole() PortDataRole {
	return PortDataRole(h>>shiftPortDataRole) & maskPortDataRole
}

// SetPortDataRole sets the data role of the sender.
func (h *Header) SetPortDataRole(r PortDataRole) {
	*h = setField(*h, shiftPortDataRole, maskPortDataRole, uint16(r))
}

// SpecificationRevision returns the PD spec revision field.
func (h Header) SpecificationRevision() SpecificationRevision {
	return SpecificationRevision(h>>shiftSpecRevision) & maskSpecRevision
}

// SetSpecificationRevision sets the PD spec revision field.
func (h *Header) SetSpecificationRevision(r SpecificationRevision) {
	*h = setField(*h, shiftSpecRevision, maskSpecRevision, uint16(r))
}

// PortPowerRole returns the power role of the sender.
func (h Header) PortPowerRole() PortPowerRole {
	return PortPowerRole(h>>shiftPortPowerRole) & maskPortPowerRole
}

// SetPortPowerRole sets the power role of the sender.
func (h *Header) SetPortPowerRole(r PortPowerRole) {
	*h = setField(*h, shiftPortPowerRole, maskPortPowerRole, uint16(r))
}

// MessageID returns the 3-bit message id.
func (h Header) MessageID() uint8 {
	return uint8(h>>shiftMessageID) & maskMessageID
}

// SetMessageID sets the 3-bit message id.
func (h *Header) SetMessageID(id uint8) {
	*h = setField(*h, shiftMessageID, maskMessageID, uint16(id))
}

// NumberOfDataObjects returns the count of 32-bit data objects following
// the header.
func (h Header) NumberOfDataObjects() uint8 {
	return uint8(h>>shiftNumDataObjects) & maskNumDataObjects
}

// SetNumberOfDataObjects sets the count of 32-bit data objects following
// the header.
func (h *Header) SetNumberOfDataObjects(n uint8) {
	*h = setField(*h, shiftNumDataObjects, maskNumDataObjects, uint16(n))
}

// IsData reports whether the header describes a Data message (as opposed
// to a Control message).
func (h Header) IsData() bool {
	return h.NumberOfDataObjects() > 0
}

// PortDataRole is the data role of a message's sender.
type PortDataRole uint8

// Data roles.
const (
	PortDataRoleUFP PortDataRole = 0
	PortDataRoleDFP PortDataRole = 1
)

// SpecificationRevision is the PD spec revision a message was sent under.
type SpecificationRevision uint8

// Revision numbers.
const (
	Revision10 SpecificationRevision = 0b00
	Revision20 SpecificationRevision = 0b01
)

// PortPowerRole is the power role of a message's sender.
type PortPowerRole uint8

// Power roles.
const (
	PortPowerRoleSink   PortPowerRole = 0
	PortPowerRoleSource PortPowerRole = 1
)

// ControlMessageType enumerates the 4-bit type field of a Control message
// (NumberOfDataObjects == 0).
type ControlMessageType uint8

// Control message types.
const (
	ControlGoodCRC      ControlMessageType = 0x1
	ControlGotoMin      ControlMessageType = 0x2
	ControlAccept       ControlMessageType = 0x3
	ControlReject       ControlMessageType = 0x4
	ControlPing         ControlMessageType = 0x5
	ControlPsRdy        ControlMessageType = 0x6
	ControlGetSourceCap ControlMessageType = 0x7
	ControlGetSinkCap   ControlMessageType = 0x8
	ControlDrSwap       ControlMessageType = 0x9
	ControlPrSwap       ControlMessageType = 0xA
	ControlVconnSwap    ControlMessageType = 0xB
	ControlWait         ControlMessageType = 0xC
	ControlSoftReset    ControlMessageType = 0xD
)

func (t ControlMessageType) String() string {
	switch t {
	case ControlGoodCRC:
		return "GoodCRC"
	case ControlGotoMin:
		return "GotoMin"
	case ControlAccept:
		return "Accept"
	case ControlReject:
		return "Reject"
	case ControlPing:
		return "Ping"
	case ControlPsRdy:
		return "PsRdy"
	case ControlGetSourceCap:
		return "GetSourceCap"
	case ControlGetSinkCap:
		return "GetSinkCap"
	case ControlDrSwap:
		return "DrSwap"
	case ControlPrSwap:
		return "PrSwap"
	case ControlVconnSwap:
		return "VconnSwap"
	case ControlWait:
		return "Wait"
	case ControlSoftReset:
		return "SoftReset"
	default:
		return fmt.Sprintf("Reserved(0x%x)", uint8(t))
	}
}

// DataMessageType enumerates the 4-bit type field of a Data message
// (NumberOfDataObjects > 0).
type DataMessageType uint8

// Data message types.
const (
	DataSourceCapabilities DataMessageType = 0x1
	DataRequest            DataMessageType = 0x2
	DataBIST               DataMessageType = 0x3
	DataSinkCapabilities   DataMessageType = 0x4
	DataVendorDefined      DataMessageType = 0xF
)

func (t DataMessageType) String() string {
	switch t {
	case DataSourceCapabilities:
		return "SourceCapabilities"
	case DataRequest:
		return "Request"
	case DataBIST:
		return "BIST"
	case DataSinkCapabilities:
		return "SinkCapabilities"
	case DataVendorDefined:
		return "VendorDefined"
	default:
		return fmt.Sprintf("Reserved(0x%x)", uint8(t))
	}
}

// Message is a tagged Control or Data message. A Control message has
// NumObjects == 0; a Data message has 1-7.
//
// Objects is fixed size to avoid heap allocation: callers read up to
// NumObjects entries.
type Message struct {
	Header  Header
	Objects [MaxDataObjects]uint32
}

// NumObjects returns how many of Objects are valid.
func (m Message) NumObjects() uint8 {
	return m.Header.NumberOfDataObjects()
}

// IsData reports whether this is a Data message.
func (m Message) IsData() bool {
	return m.Header.IsData()
}

// ControlType returns the message's control type. Only meaningful if
// !IsData().
func (m Message) ControlType() ControlMessageType {
	return ControlMessageType(m.Header.MessageType())
}

// DataType returns the message's data type. Only meaningful if IsData().
func (m Message) DataType() DataMessageType {
	return DataMessageType(m.Header.MessageType())
}

// NewControl builds a Control message from a header template, setting its
// message type and clearing the data object count.
func NewControl(tpl Header, t ControlMessageType) Message {
	h := tpl
	h.SetMessageType(uint8(t))
	h.SetNumberOfDataObjects(0)
	return Message{Header: h}
}

// NewData builds a Data message from a header template, setting its
// message type and data object count to len(objects).
func NewData(tpl Header, t DataMessageType, objects ...uint32) Message {
	h := tpl
	h.SetMessageType(uint8(t))
	h.SetNumberOfDataObjects(uint8(len(objects)))
	var m Message
	m.Header = h
	copy(m.Objects[:], objects)
	return m
}

// EncodedLen returns the number of bytes this message occupies on the
// wire: 2 header bytes plus 4 bytes per data object.
func (m Message) EncodedLen() int {
	return 2 + 4*int(m.NumObjects())
}

// Encode serializes m little-endian into b, which must be at least
// EncodedLen() bytes, and returns the number of bytes written.
func (m Message) Encode(b []byte) int {
	n := m.Header.Encode(b)
	for i := uint8(0); i < m.NumObjects(); i++ {
		v := m.Objects[i]
		o := b[n:]
		o[0] = byte(v)
		o[1] = byte(v >> 8)
		o[2] = byte(v >> 16)
		o[3] = byte(v >> 24)
		n += 4
	}
	return n
}

// DecodeMessage parses a full frame (header + data objects) out of b. The
// caller must have already validated that len(b) matches the length
// implied by the header.
func DecodeMessage(b []byte) Message {
	var m Message
	m.Header = DecodeHeader(b)
	n := m.NumObjects()
	if int(n) > MaxDataObjects {
		n = MaxDataObjects
	}
	for i := uint8(0); i < n; i++ {
		o := b[2+4*int(i):]
		m.Objects[i] = uint32(o[0]) | uint32(o[1])<<8 | uint32(o[2])<<16 | uint32(o[3])<<24
	}
	return m
}

func (m Message) String() string {
	if m.IsData() {
		return fmt.Sprintf("Data(%s, %d objs)", m.DataType(), m.NumObjects())
	}
	return fmt.Sprintf("Control(%s)", m.ControlType())
}

// RequestDO is a 32-bit Request Data Object, sent by a Sink to select one
// of the Source's advertised Fixed-Supply PDOs.
type RequestDO uint32

// Field layout, LSB to MSB (USB-PD R2.0 §6.4.2, Fixed/Variable RDO):
//
//	max_operating_current      10 bits (0),  10mA units
//	operating_current          10 bits (10), 10mA units
//	reserved                    4 bits (20)
//	no_usb_suspend               1 bit  (24)
//	usb_communications_capable   1 bit  (25)
//	capability_mismatch          1 bit  (26)
//	give_back_flag               1 bit  (27)
//	object_position              3 bits (28)
//	reserved                     1 bit  (31)
const (
	rdoShiftMaxOperatingCurrent = 0
	rdoShiftOperatingCurrent    = 10
	rdoShiftNoUSBSuspend        = 24
	rdoShiftUSBCommCapable      = 25
	rdoShiftCapabilityMismatch  = 26
	rdoShiftGiveBackFlag        = 27
	rdoShiftObjectPosition      = 28

	rdoMask10 = 0x3FF
	rdoMask3  = 0x7
)

func setBit32(v uint32, shift uint, b bool) uint32 {
	if b {
		return v | 1<<shift
	}
	return v &^ (1 << shift)
}

func getBit32(v uint32, shift uint) bool {
	return v&(1<<shift) != 0
}

// MaxOperatingCurrent returns the max operating current in milliamps.
func (r RequestDO) MaxOperatingCurrent() uint16 {
	return uint16(uint32(r)>>rdoShiftMaxOperatingCurrent&rdoMask10) * 10
}

// SetMaxOperatingCurrent sets the max operating current rounded down to
// the nearest 10mA.
func (r *RequestDO) SetMaxOperatingCurrent(ma uint16) {
	v := uint32(*r)
	v = v&^(rdoMask10<<rdoShiftMaxOperatingCurrent) | uint32(ma/10&rdoMask10)<<rdoShiftMaxOperatingCurrent
	*r = RequestDO(v)
}

// OperatingCurrent returns the operating current in milliamps.
func (r RequestDO) OperatingCurrent() uint16 {
	return uint16(uint32(r)>>rdoShiftOperatingCurrent&rdoMask10) * 10
}

// SetOperatingCurrent sets the operating current rounded down to the
// nearest 10mA.
func (r *RequestDO) SetOperatingCurrent(ma uint16) {
	v := uint32(*r)
	v = v&^(rdoMask10<<rdoShiftOperatingCurrent) | uint32(ma/10&rdoMask10)<<rdoShiftOperatingCurrent
	*r = RequestDO(v)
}

// NoUSBSuspend returns the no-USB-suspend flag.
func (r RequestDO) NoUSBSuspend() bool { return getBit32(uint32(r), rdoShiftNoUSBSuspend) }

// SetNoUSBSuspend sets the no-USB-suspend flag.
func (r *RequestDO) SetNoUSBSuspend(v bool) {
	*r = RequestDO(setBit32(uint32(*r), rdoShiftNoUSBSuspend, v))
}

// USBCommunicationsCapable returns the USB-communications-capable flag.
func (r RequestDO) USBCommunicationsCapable() bool {
	return getBit32(uint32(r), rdoShiftUSBCommCapable)
}

// SetUSBCommunicationsCapable sets the USB-communications-capable flag.
func (r *RequestDO) SetUSBCommunicationsCapable(v bool) {
	*r = RequestDO(setBit32(uint32(*r), rdoShiftUSBCommCapable, v))
}

// CapabilityMismatch returns the capability-mismatch flag.
func (r RequestDO) CapabilityMismatch() bool {
	return getBit32(uint32(r), rdoShiftCapabilityMismatch)
}

// SetCapabilityMismatch sets the capability-mismatch flag.
func (r *RequestDO) SetCapabilityMismatch(v bool) {
	*r = RequestDO(setBit32(uint32(*r), rdoShiftCapabilityMismatch, v))
}

// GiveBackFlag returns the GiveBack support flag.
func (r RequestDO) GiveBackFlag() bool { return getBit32(uint32(r), rdoShiftGiveBackFlag) }

// SetGiveBackFlag sets the GiveBack support flag.
func (r *RequestDO) SetGiveBackFlag(v bool) {
	*r = RequestDO(setBit32(uint32(*r), rdoShiftGiveBackFlag, v))
}

// ObjectPosition returns the 1-based index of the selected PDO in the
// SourceCapabilities message.
func (r RequestDO) ObjectPosition() uint8 {
	return uint8(uint32(r) >> rdoShiftObjectPosition & rdoMask3)
}

// SetObjectPosition sets the 1-based index of the selected PDO.
func (r *RequestDO) SetObjectPosition(p uint8) {
	v := uint32(*r)
	v = v&^(rdoMask3<<rdoShiftObjectPosition) | uint32(p&rdoMask3)<<rdoShiftObjectPosition
	*r = RequestDO(v)
}

// FixedSupplyPDO is a 32-bit Sink Fixed-Supply Power Data Object.
type FixedSupplyPDO uint32

// Field layout, LSB to MSB (USB-PD R2.0 §6.4.1.2.2, Sink Fixed-Supply):
//
//	operating_current           10 bits (0),  10mA units
//	voltage                     10 bits (10), 50mV units
//	reserved                     5 bits (20)
//	dual_role_data                1 bit  (25)
//	usb_communications_capable     1 bit  (26)
//	unconstrained_power            1 bit  (27)
//	higher_capability               1 bit  (28)
//	dual_power_role                  1 bit  (29)
//	fixed_supply tag (=0)            2 bits (30)
const (
	pdoShiftOperatingCurrent = 0
	pdoShiftVoltage          = 10
	pdoShiftDualRoleData     = 25
	pdoShiftUSBCommCapable   = 26
	pdoShiftUnconstrained    = 27
	pdoShiftHigherCap        = 28
	pdoShiftDualPowerRole    = 29
)

// OperatingCurrent returns the operating current in milliamps.
func (p FixedSupplyPDO) OperatingCurrent() uint16 {
	return uint16(uint32(p)>>pdoShiftOperatingCurrent&rdoMask10) * 10
}

// SetOperatingCurrent sets the operating current rounded down to the
// nearest 10mA.
func (p *FixedSupplyPDO) SetOperatingCurrent(ma uint16) {
	v := uint32(*p)
	v = v&^(rdoMask10<<pdoShiftOperatingCurrent) | uint32(ma/10&rdoMask10)<<pdoShiftOperatingCurrent
	*p = FixedSupplyPDO(v)
}

// Voltage returns the voltage in millivolts.
func (p FixedSupplyPDO) Voltage() uint16 {
	return uint16(uint32(p)>>pdoShiftVoltage&rdoMask10) * 50
}

// SetVoltage sets the voltage rounded down to the nearest 50mV.
func (p *FixedSupplyPDO) SetVoltage(mv uint16) {
	v := uint32(*p)
	v = v&^(rdoMask10<<pdoShiftVoltage) | uint32(mv/50&rdoMask10)<<pdoShiftVoltage
	*p = FixedSupplyPDO(v)
}

// DualRoleData returns the dual-role-data flag.
func (p FixedSupplyPDO) DualRoleData() bool { return getBit32(uint32(p), pdoShiftDualRoleData) }

// SetDualRoleData sets the dual-role-data flag.
func (p *FixedSupplyPDO) SetDualRoleData(v bool) {
	*p = FixedSupplyPDO(setBit32(uint32(*p), pdoShiftDualRoleData, v))
}

// USBCommunicationsCapable returns the USB-communications-capable flag.
func (p FixedSupplyPDO) USBCommunicationsCapable() bool {
	return getBit32(uint32(p), pdoShiftUSBCommCapable)
}

// SetUSBCommunicationsCapable sets the USB-communications-capable flag.
func (p *FixedSupplyPDO) SetUSBCommunicationsCapable(v bool) {
	*p = FixedSupplyPDO(setBit32(uint32(*p), pdoShiftUSBCommCapable, v))
}

// UnconstrainedPower returns the unconstrained-power flag.
func (p FixedSupplyPDO) UnconstrainedPower() bool {
	return getBit32(uint32(p), pdoShiftUnconstrained)
}

// SetUnconstrainedPower sets the unconstrained-power flag.
func (p *FixedSupplyPDO) SetUnconstrainedPower(v bool) {
	*p = FixedSupplyPDO(setBit32(uint32(*p), pdoShiftUnconstrained, v))
}

// HigherCapability returns the higher-capability flag.
func (p FixedSupplyPDO) HigherCapability() bool { return getBit32(uint32(p), pdoShiftHigherCap) }

// SetHigherCapability sets the higher-capability flag.
func (p *FixedSupplyPDO) SetHigherCapability(v bool) {
	*p = FixedSupplyPDO(setBit32(uint32(*p), pdoShiftHigherCap, v))
}

// DualPowerRole returns the dual-power-role flag.
func (p FixedSupplyPDO) DualPowerRole() bool { return getBit32(uint32(p), pdoShiftDualPowerRole) }

// SetDualPowerRole sets the dual-power-role flag.
func (p *FixedSupplyPDO) SetDualPowerRole(v bool) {
	*p = FixedSupplyPDO(setBit32(uint32(*p), pdoShiftDualPowerRole, v))
}

// MilliampsToWireUnit converts a current in milliamps to the 10mA wire
// unit used by RequestDO/FixedSupplyPDO, rounding up (ceiling division)
// and saturating at the 10-bit maximum (1023 => 10.23A).
func MilliampsToWireUnit(ma uint16) uint16 {
	v := (uint32(ma) + 9) / 10
	if v > rdoMask10 {
		v = rdoMask10
	}
	return uint16(v)
}
