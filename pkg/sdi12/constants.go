// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdi12

import "time"

// ProtocolVersion is the SDI-12 version tag embedded in every aI! response.
const ProtocolVersion = "14"

// Size limits the engines are built around. These mirror the constants a
// fixed-size embedded implementation would use; this port keeps the same
// numbers even though Go's slices don't need the headroom.
const (
	BaudRate = 1200

	MMaxValues = 9   // aM!/aV! — n is 1 digit
	CMaxValues = 99  // aC!/aR! — nn is 2 digits
	HMaxValues = 999 // aHA!/aHB! — nnn is 3 digits

	MaxDataPages   = 10   // aD0!..aD9!
	MaxHVDataPages = 1000 // aDB0!..aDB999!

	BinMaxPayload  = 1000 // binary packet payload cap, bytes
	BinPktOverhead = 6    // addr(1) + size(2) + type(1) + crc(2)

	MValuesMaxChars = 35 // <values> budget after M/V
	CValuesMaxChars = 75 // <values> budget after C/R/HA

	ValueMaxChars = 9 // sign + up to 7 digits + dot

	MaxResponseLen = 82
	MaxCommandLen  = 20

	MaxValues     = CMaxValues // values a master will keep from one D response
	MaxMeasGroups = 10         // groups 0-9
	MaxParams     = 20
	MaxXCmds      = 8

	IDVersionLen  = 2
	IDVendorLen   = 8
	IDModelLen    = 6
	IDFirmwareLen = 3
	IDSerialLen   = 13
)

// Timing constants canonical to SDI-12 v1.4. Both engines treat these as
// the contract between the core and the I/O capability the host supplies;
// the core never sleeps itself.
const (
	BreakDuration        = 12 * time.Millisecond
	MarkingDuration      = 9 * time.Millisecond // post-break idle, >= 8.33ms
	ResponseTimeout      = 15 * time.Millisecond
	InterCharMax         = 2 * time.Millisecond
	MarkingTimeout       = 87 * time.Millisecond
	StandbyTimeout       = 100 * time.Millisecond
	RetryMin             = 17 * time.Millisecond
	MultilineGap         = 150 * time.Millisecond
	AddressChangeDelay   = 1000 * time.Millisecond
)

// Direction is the half-duplex bus direction a transceiver must be set to.
type Direction int

const (
	DirRX Direction = iota
	DirTX
)

// MeasType enumerates the measurement command families. The type selects
// the header's count-field width and the data page's byte budget.
type MeasType int

const (
	MeasStandard MeasType = iota // aM! — n, 35-char page budget
	MeasConcurrent               // aC! — nn, 75-char page budget
	MeasHighVolASCII             // aHA! — nnn, 75-char page budget
	MeasHighVolBinary            // aHB! — nnn, binary packet
	MeasVerification             // aV! — n, 35-char page budget (group 0 only)
	MeasContinuous               // aR! — nn, 75-char page budget
)

func (t MeasType) String() string {
	switch t {
	case MeasStandard:
		return "standard"
	case MeasConcurrent:
		return "concurrent"
	case MeasHighVolASCII:
		return "highvol-ascii"
	case MeasHighVolBinary:
		return "highvol-binary"
	case MeasVerification:
		return "verification"
	case MeasContinuous:
		return "continuous"
	default:
		return "unknown"
	}
}

// State is the sensor engine's state machine position.
type State int

const (
	StateStandby State = iota
	StateReady
	StateMeasuring
	StateMeasuringConcurrent
	StateDataReady
)

func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateReady:
		return "ready"
	case StateMeasuring:
		return "measuring"
	case StateMeasuringConcurrent:
		return "measuring-concurrent"
	case StateDataReady:
		return "data-ready"
	default:
		return "unknown"
	}
}

// BinType enumerates the binary element types a high-volume binary packet
// payload may carry, per the sizes a master uses to decode it.
type BinType uint8

const (
	BinInvalid BinType = 0
	BinInt8    BinType = 1
	BinUint8   BinType = 2
	BinInt16   BinType = 3
	BinUint16  BinType = 4
	BinInt32   BinType = 5
	BinUint32  BinType = 6
	BinInt64   BinType = 7
	BinUint64  BinType = 8
	BinFloat32 BinType = 9
	BinFloat64 BinType = 10
)

// Size returns the byte width of one element of the given binary type, or
// 0 for BinInvalid / an unrecognized type. Grounded on sdi12_master.h's
// declared-but-unimplemented bintype_size() — this is a pure lookup table,
// no I/O, so there was nothing to port from the missing C body beyond the
// enum itself.
func (t BinType) Size() int {
	switch t {
	case BinInt8, BinUint8:
		return 1
	case BinInt16, BinUint16:
		return 2
	case BinInt32, BinUint32, BinFloat32:
		return 4
	case BinInt64, BinUint64, BinFloat64:
		return 8
	default:
		return 0
	}
}
