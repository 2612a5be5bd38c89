// Package nvme implements the wire-level structures used by the NVMe
// Persistent Reservation report command, parsed bit-for-bit per the
// NVMe Base Specification §8.19 (Reservations).
package nvme

import (
	"encoding/binary"
	"fmt"
)

// ReservationType enumerates the NVMe reservation types (Figure in
// §8.19.2). Values match the on-the-wire rtype byte.
type ReservationType uint8

const (
	ReservationNone                ReservationType = 0
	ReservationWriteExclusive      ReservationType = 1
	ReservationExclusiveAccess     ReservationType = 2
	ReservationWriteExclusiveRegsOnly  ReservationType = 3
	ReservationExclusiveAccessRegsOnly ReservationType = 4
	ReservationWriteExclusiveAllRegs  ReservationType = 5
	ReservationExclusiveAccessAllRegs ReservationType = 6
)

// IsAllRegistrants reports whether the type grants the reservation to
// every registrant rather than a single holder.
func (t ReservationType) IsAllRegistrants() bool {
	return t == ReservationWriteExclusiveAllRegs || t == ReservationExclusiveAccessAllRegs
}

func (t ReservationType) String() string {
	switch t {
	case ReservationNone:
		return "none"
	case ReservationWriteExclusive:
		return "write-exclusive"
	case ReservationExclusiveAccess:
		return "exclusive-access"
	case ReservationWriteExclusiveRegsOnly:
		return "write-exclusive-regs-only"
	case ReservationExclusiveAccessRegsOnly:
		return "exclusive-access-regs-only"
	case ReservationWriteExclusiveAllRegs:
		return "write-exclusive-all-regs"
	case ReservationExclusiveAccessAllRegs:
		return "exclusive-access-all-regs"
	default:
		return fmt.Sprintf("reservation-type(%d)", uint8(t))
	}
}

// reservationStatusHeaderSize is the fixed portion of the Reservation
// Status data structure (§8.19.2), before the variable-length array of
// registered controller entries.
const reservationStatusHeaderSize = 24

// registeredControllerSize is the size of one Registered Controller
// Extended Data Structure entry (§8.19.2, extended report format).
const registeredControllerSize = 64

// RegisteredControllerExtendedData describes one registrant returned
// by an extended Reservation Report command.
type RegisteredControllerExtendedData struct {
	HostIdentifier  [16]byte // 128-bit NVMe host identifier
	ReservationKey  uint64   // registrant's reservation key
	ControllerID    uint16   // CNTLID
	ReservationStatus uint8  // RCSTS; bit 0 set iff this registrant holds the reservation
}

// IsHolder reports whether this registrant holds the reservation.
func (r RegisteredControllerExtendedData) IsHolder() bool {
	return r.ReservationStatus&0x1 != 0
}

func marshalRegisteredController(r RegisteredControllerExtendedData) []byte {
	buf := make([]byte, registeredControllerSize)
	copy(buf[0:16], r.HostIdentifier[:])
	binary.LittleEndian.PutUint64(buf[16:24], r.ReservationKey)
	binary.LittleEndian.PutUint16(buf[32:34], r.ControllerID)
	buf[34] = r.ReservationStatus
	return buf
}

func unmarshalRegisteredController(data []byte) (RegisteredControllerExtendedData, error) {
	if len(data) < registeredControllerSize {
		return RegisteredControllerExtendedData{}, ErrShortBuffer
	}
	var r RegisteredControllerExtendedData
	copy(r.HostIdentifier[:], data[0:16])
	r.ReservationKey = binary.LittleEndian.Uint64(data[16:24])
	r.ControllerID = binary.LittleEndian.Uint16(data[32:34])
	r.ReservationStatus = data[34]
	return r, nil
}

// ReservationStatusExtendedData is the full extended Reservation
// Report result: a header plus one entry per registered controller.
type ReservationStatusExtendedData struct {
	Generation   uint32
	Type         ReservationType
	NumRegistered uint16
	PersistThroughPowerLoss bool
	Controllers  []RegisteredControllerExtendedData
}

// Holder returns the unique registrant currently holding the
// reservation, or false if there is none (type ReservationNone or an
// all-registrants type with no distinguished holder).
func (d ReservationStatusExtendedData) Holder() (RegisteredControllerExtendedData, bool) {
	for _, c := range d.Controllers {
		if c.IsHolder() {
			return c, true
		}
	}
	return RegisteredControllerExtendedData{}, false
}

// Marshal encodes the structure per NVMe 2.0 §8.19.2, little-endian.
func (d ReservationStatusExtendedData) Marshal() []byte {
	size := reservationStatusHeaderSize + len(d.Controllers)*registeredControllerSize
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], d.Generation)
	buf[4] = byte(d.Type)
	binary.LittleEndian.PutUint16(buf[5:7], d.NumRegistered)
	if d.PersistThroughPowerLoss {
		buf[15] = 1
	}
	off := reservationStatusHeaderSize
	for _, c := range d.Controllers {
		copy(buf[off:off+registeredControllerSize], marshalRegisteredController(c))
		off += registeredControllerSize
	}
	return buf
}

// Unmarshal decodes a ReservationStatusExtendedData from wire bytes.
func Unmarshal(data []byte) (ReservationStatusExtendedData, error) {
	if len(data) < reservationStatusHeaderSize {
		return ReservationStatusExtendedData{}, ErrShortBuffer
	}
	var d ReservationStatusExtendedData
	d.Generation = binary.LittleEndian.Uint32(data[0:4])
	d.Type = ReservationType(data[4])
	d.NumRegistered = binary.LittleEndian.Uint16(data[5:7])
	d.PersistThroughPowerLoss = data[15] != 0

	off := reservationStatusHeaderSize
	for i := 0; i < int(d.NumRegistered); i++ {
		if off+registeredControllerSize > len(data) {
			return ReservationStatusExtendedData{}, ErrShortBuffer
		}
		c, err := unmarshalRegisteredController(data[off : off+registeredControllerSize])
		if err != nil {
			return ReservationStatusExtendedData{}, err
		}
		d.Controllers = append(d.Controllers, c)
		off += registeredControllerSize
	}
	return d, nil
}

// WireError is a structured error for malformed NVMe wire data.
type WireError string

func (e WireError) Error() string { return string(e) }

const ErrShortBuffer WireError = "nvme: buffer too short to decode"
