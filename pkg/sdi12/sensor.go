// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdi12

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Identification holds the fixed-width fields an aI! response carries.
// Vendor/Model/Firmware are space-padded to width on the wire; Serial is
// not padded and may be empty.
type Identification struct {
	Vendor   string // up to 8 chars
	Model    string // up to 6 chars
	Firmware string // up to 3 chars
	Serial   string // up to 13 chars
}

// ParamMeta is one registered measurement parameter: its SHEF code,
// units, the group it belongs to, and its default rendering precision.
type ParamMeta struct {
	SHEF     string
	Units    string
	Group    uint8
	Decimals uint8
}

// XCmdHandler handles one registered extended-command prefix. body is the
// full command suffix after "aX" (including the matched prefix). The
// returned string becomes the response payload; the engine prepends the
// address and appends CRLF (or CRC+CRLF) itself.
type XCmdHandler func(body string) (response string, err error)

type xcmdReg struct {
	prefix  string
	handler XCmdHandler
}

// SensorIO is the capability interface a host supplies to drive all
// actual I/O for a Sensor. SendResponse receives a fully formatted,
// possibly-binary response; ReadParam services a synchronous measurement.
type SensorIO interface {
	SendResponse(data []byte)
	SetDirection(Direction)
	ReadParam(index int) Value
}

// AddressPersister is an optional SensorIO capability for saving and
// loading the sensor's address across resets. Absent it, address changes
// are RAM-only.
type AddressPersister interface {
	SaveAddress(addr byte)
	LoadAddress() (addr byte, ok bool)
}

// AsyncMeasurer is an optional SensorIO capability for deferred
// measurements. Absent it, every measurement is synchronous (ttt == 0).
type AsyncMeasurer interface {
	StartMeasurement(group uint8, kind MeasType) (tttSeconds uint16)
}

// ServiceRequester is an optional SensorIO capability for emitting a
// service request (a CR LF) when a deferred standard measurement
// completes. Absent it, the service request is sent via SendResponse.
type ServiceRequester interface {
	ServiceRequest()
}

// BinaryPageFormatter is an optional SensorIO capability that encodes a
// high-volume binary data page. Absent it, aHB!/aDB requests fall back to
// ASCII framing with identical values.
type BinaryPageFormatter interface {
	FormatBinaryPage(page uint16, values []Value) (t BinType, payload []byte)
}

// Sensor is the sensor-engine context: address, identification, the
// parameter and extended-command tables, state machine position, the
// pending measurement descriptor, and the data cache from the last
// measurement. Owned exclusively by its creator; not safe for concurrent
// use by multiple goroutines without external synchronization.
type Sensor struct {
	io      SensorIO
	address byte
	ident   Identification
	log     zerolog.Logger

	params []ParamMeta
	xcmds  []xcmdReg

	state        State
	pendingType  MeasType
	pendingGroup uint8
	crcRequested bool

	dataCache     []Value
	dataAvailable bool
}

// SensorOption configures optional Sensor construction parameters.
type SensorOption func(*Sensor)

// WithSensorLogger attaches a structured logger; every state transition
// logs at Debug. The default is zerolog.Nop(), so the engine stays
// side-effect-free unless a host opts in.
func WithSensorLogger(l zerolog.Logger) SensorOption {
	return func(s *Sensor) { s.log = l }
}

// NewSensor creates a sensor context at address, attempting to load a
// persisted address first if io implements AddressPersister. Returns
// ErrInvalidAddress if neither the given nor a persisted address is
// valid, or ErrCallbackMissing if io is nil.
func NewSensor(address byte, ident Identification, io SensorIO, opts ...SensorOption) (*Sensor, error) {
	if io == nil {
		return nil, fmt.Errorf("sensor: nil capability interface: %w", ErrCallbackMissing)
	}
	s := &Sensor{
		io:      io,
		address: address,
		ident:   ident,
		state:   StateReady,
		log:     zerolog.Nop(),
	}

	if persist, ok := io.(AddressPersister); ok {
		if loaded, present := persist.LoadAddress(); present && IsValidAddress(loaded) {
			s.address = loaded
		}
	}
	if !IsValidAddress(s.address) {
		return nil, fmt.Errorf("sensor: address %q: %w", s.address, ErrInvalidAddress)
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log.Debug().Str("address", string(s.address)).Msg("sensor initialized")
	return s, nil
}

// Address returns the sensor's current bus address.
func (s *Sensor) Address() byte { return s.address }

// State returns the sensor's current state-machine position.
func (s *Sensor) State() State { return s.state }

// RegisterParam appends a measurement parameter to the table. Group must
// be 0-9. Returns ErrParamLimit once MaxParams entries are registered.
func (s *Sensor) RegisterParam(group uint8, shef, units string, decimals uint8) error {
	if len(s.params) >= MaxParams {
		return ErrParamLimit
	}
	if group >= MaxMeasGroups {
		return fmt.Errorf("sensor: group %d: %w", group, ErrInvalidCommand)
	}
	s.params = append(s.params, ParamMeta{SHEF: shef, Units: units, Group: group, Decimals: decimals})
	return nil
}

// RegisterXCmd appends an extended-command handler. Registration order is
// significant: Process dispatches to the first registered prefix that
// matches. Returns ErrParamLimit once MaxXCmds entries are registered.
func (s *Sensor) RegisterXCmd(prefix string, handler XCmdHandler) error {
	if len(s.xcmds) >= MaxXCmds {
		return ErrParamLimit
	}
	s.xcmds = append(s.xcmds, xcmdReg{prefix: prefix, handler: handler})
	return nil
}

// GroupCount returns the number of registered parameters in group.
func (s *Sensor) GroupCount(group uint8) int {
	return len(s.groupIndices(group))
}

func (s *Sensor) groupIndices(group uint8) []int {
	var out []int
	for i, p := range s.params {
		if p.Group == group {
			out = append(out, i)
		}
	}
	return out
}

// Break resets the sensor to StateReady, aborting any pending measurement
// and clearing the data cache, while preserving address and registered
// parameters/extended commands. Corresponds to the master sending a BREAK
// condition on the bus.
func (s *Sensor) Break() {
	s.dataAvailable = false
	s.dataCache = nil
	s.state = StateReady
	s.log.Debug().Msg("break: state reset to ready")
}

// MeasurementDone delivers the results of a deferred measurement started
// via AsyncMeasurer. Ignored (returns nil) if the sensor is not currently
// in StateMeasuring or StateMeasuringConcurrent. Standard/verification
// measurements emit a service request; concurrent measurements do not.
func (s *Sensor) MeasurementDone(values []Value) error {
	if s.state != StateMeasuring && s.state != StateMeasuringConcurrent {
		return nil
	}

	if len(values) > MaxParams {
		values = values[:MaxParams]
	}
	s.dataCache = append([]Value(nil), values...)
	s.dataAvailable = true

	if s.state == StateMeasuring {
		resp := append([]byte{s.address}, '\r', '\n')
		if sr, ok := s.io.(ServiceRequester); ok {
			sr.ServiceRequest()
		} else {
			s.send(resp)
		}
	}
	s.state = StateDataReady
	s.log.Debug().Int("count", len(values)).Msg("measurement complete")
	return nil
}

func (s *Sensor) send(data []byte) {
	s.io.SetDirection(DirTX)
	s.io.SendResponse(data)
	s.io.SetDirection(DirRX)
}

// Process parses and handles one received command. It returns
// ErrNotAddressed for a command directed at a different sensor — per
// the universal silence invariant, no bytes are ever sent in that case —
// and ErrInvalidCommand/ErrInvalidAddress for local validation failures,
// again with nothing sent. Every other path sends exactly one response.
func (s *Sensor) Process(raw []byte) error {
	cmd, err := ParseCommand(raw)
	if err != nil {
		return err
	}

	if !cmd.TargetsAddress(s.address) {
		return ErrNotAddressed
	}

	isAddressed := !cmd.IsQuery
	if isAddressed && s.state == StateMeasuringConcurrent {
		s.state = StateReady
		s.dataAvailable = false
		s.dataCache = nil
		s.log.Debug().Msg("concurrent measurement aborted by addressed command")
	}

	switch cmd.Kind {
	case CmdAck, CmdQueryAddr:
		s.send(append([]byte{s.address}, '\r', '\n'))
		return nil

	case CmdIdentify:
		s.handleIdentify()
		return nil

	case CmdMeasure:
		return s.handleMeasurement(cmd.Group, cmd.CRC, MeasStandard)

	case CmdConcurrent:
		return s.handleMeasurement(cmd.Group, cmd.CRC, MeasConcurrent)

	case CmdVerify:
		return s.handleMeasurement(0, false, MeasVerification)

	case CmdHighVol:
		if cmd.Binary {
			return s.handleMeasurement(0, cmd.CRC, MeasHighVolBinary)
		}
		return s.handleMeasurement(0, cmd.CRC, MeasHighVolASCII)

	case CmdHighVolStub:
		s.send([]byte(fmt.Sprintf("%c000000\r\n", s.address)))
		return nil

	case CmdSendData:
		return s.handleSendData(cmd.Page)

	case CmdSendBinary:
		return s.handleSendBinaryData(cmd.Page)

	case CmdContinuous:
		return s.handleContinuous(uint8(cmd.Group), cmd.CRC)

	case CmdChangeAddr:
		return s.handleChangeAddress(cmd.NewAddress)

	case CmdIdentifyMeas:
		return s.handleIdentifyMeas(*cmd.Ident)

	case CmdExtended:
		return s.handleExtended(cmd.ExtBody)

	default:
		return ErrInvalidCommand
	}
}

func (s *Sensor) handleIdentify() {
	resp := fmt.Sprintf("%c%s%-8.8s%-6.6s%-3.3s%s\r\n",
		s.address, ProtocolVersion, s.ident.Vendor, s.ident.Model, s.ident.Firmware, s.ident.Serial)
	s.send([]byte(resp))
}

func (s *Sensor) readGroupSync(group uint8) {
	indices := s.groupIndices(group)
	cache := make([]Value, 0, len(indices))
	for _, idx := range indices {
		cache = append(cache, s.io.ReadParam(idx))
	}
	s.dataCache = cache
	s.dataAvailable = true
}

func headerDigits(t MeasType) int {
	switch t {
	case MeasStandard, MeasVerification:
		return 1
	case MeasConcurrent, MeasContinuous:
		return 2
	default:
		return 3
	}
}

func saturate(n, max int) int {
	if n > max {
		return max
	}
	return n
}

func (s *Sensor) handleMeasurement(group uint8, crc bool, kind MeasType) error {
	s.crcRequested = crc
	s.pendingType = kind
	s.pendingGroup = group

	n := s.GroupCount(group)
	digits := headerDigits(kind)

	if n == 0 {
		s.send([]byte(fmt.Sprintf("%c%s\r\n", s.address, zeroHeader(digits))))
		return nil
	}

	measState := StateMeasuring
	if kind != MeasStandard && kind != MeasVerification {
		measState = StateMeasuringConcurrent
	}

	if async, ok := s.io.(AsyncMeasurer); ok {
		ttt := async.StartMeasurement(group, kind)
		if ttt > 999 {
			ttt = 999
		}

		count := saturate(n, maxCountFor(digits))
		s.send([]byte(fmt.Sprintf("%c%03d%s\r\n", s.address, ttt, padCount(count, digits))))

		if ttt == 0 {
			s.readGroupSync(group)
			s.state = StateDataReady
		} else {
			s.dataAvailable = false
			s.state = measState
		}
		s.log.Debug().Str("state", s.state.String()).Uint16("ttt", ttt).Msg("measurement started")
		return nil
	}

	s.readGroupSync(group)
	count := saturate(n, maxCountFor(digits))
	s.send([]byte(fmt.Sprintf("%c000%s\r\n", s.address, padCount(count, digits))))
	s.state = StateDataReady
	s.log.Debug().Str("state", s.state.String()).Msg("measurement complete")
	return nil
}

func maxCountFor(digits int) int {
	switch digits {
	case 1:
		return 9
	case 2:
		return 99
	default:
		return 999
	}
}

func padCount(n, digits int) string {
	return fmt.Sprintf("%0*d", digits, n)
}

func zeroHeader(digits int) string {
	return "000" + padCount(0, digits)
}

func (s *Sensor) handleSendData(page uint16) error {
	if !s.dataAvailable {
		s.send(s.frame([]byte{s.address}))
		return nil
	}

	maxChars := MValuesMaxChars
	if s.pendingType == MeasConcurrent || s.pendingType == MeasContinuous || s.pendingType == MeasHighVolASCII || s.pendingType == MeasHighVolBinary {
		maxChars = CValuesMaxChars
	}

	s.send(s.formatDataPage(page, maxChars))
	return nil
}

// formatDataPage walks the data cache, paginating formatted value tokens
// into maxChars-byte pages, and returns the page the caller asked for
// (address-prefixed, CRC/CRLF-terminated). An out-of-range page number
// that falls past the last populated page yields an address-only
// response, matching the sensor's "empty page" behavior.
func (s *Sensor) formatDataPage(page uint16, maxChars int) []byte {
	var bodies [][]byte
	cur := make([]byte, 0, maxChars)

	for _, v := range s.dataCache {
		tok := []byte(v.Format())
		if len(cur)+len(tok) > maxChars && len(cur) > 0 {
			bodies = append(bodies, cur)
			cur = make([]byte, 0, maxChars)
		}
		cur = append(cur, tok...)
	}
	if len(cur) > 0 || len(bodies) == 0 {
		bodies = append(bodies, cur)
	}

	var body []byte
	if int(page) < len(bodies) {
		body = bodies[page]
	}

	return s.frame(append([]byte{s.address}, body...))
}

// frame appends CRC+CRLF or plain CRLF to an ASCII response body,
// depending on whether CRC was requested for the pending measurement.
func (s *Sensor) frame(body []byte) []byte {
	return s.frameLen(body, len(body))
}

func (s *Sensor) frameLen(body []byte, dataLen int) []byte {
	if s.crcRequested {
		return AppendCRCLen(body, dataLen)
	}
	out := make([]byte, dataLen, dataLen+2)
	copy(out, body[:dataLen])
	return append(out, '\r', '\n')
}

func (s *Sensor) handleSendBinaryData(page uint16) error {
	bf, ok := s.io.(BinaryPageFormatter)
	if !ok {
		return s.handleSendData(page)
	}

	if !s.dataAvailable {
		return s.sendEmptyBinaryPacket()
	}

	t, payload := bf.FormatBinaryPage(page, s.dataCache)
	if len(payload) == 0 && t == BinInvalid {
		return s.sendEmptyBinaryPacket()
	}

	n := len(payload)
	pkt := make([]byte, 4+n+2)
	pkt[0] = s.address
	pkt[1] = byte(n & 0xFF)
	pkt[2] = byte((n >> 8) & 0xFF)
	pkt[3] = byte(t)
	copy(pkt[4:], payload)
	crc := CRC16(pkt[:4+n])
	pkt[4+n] = byte(crc & 0xFF)
	pkt[4+n+1] = byte((crc >> 8) & 0xFF)

	s.send(pkt)
	return nil
}

func (s *Sensor) sendEmptyBinaryPacket() error {
	pkt := make([]byte, 6)
	pkt[0] = s.address
	crc := CRC16(pkt[:4])
	pkt[4] = byte(crc & 0xFF)
	pkt[5] = byte((crc >> 8) & 0xFF)
	s.send(pkt)
	return nil
}

func (s *Sensor) handleContinuous(index uint8, crc bool) error {
	s.crcRequested = crc
	s.pendingType = MeasContinuous

	n := s.GroupCount(index)
	if n == 0 {
		s.send(s.frame([]byte{s.address}))
		return nil
	}

	s.readGroupSync(index)
	s.state = StateDataReady
	s.log.Debug().Str("state", s.state.String()).Msg("continuous read complete")
	s.send(s.formatDataPage(0, CValuesMaxChars))
	return nil
}

func (s *Sensor) handleChangeAddress(newAddr byte) error {
	if !IsValidAddress(newAddr) {
		return ErrInvalidAddress
	}
	s.address = newAddr
	if persist, ok := s.io.(AddressPersister); ok {
		persist.SaveAddress(newAddr)
	}
	s.send([]byte(fmt.Sprintf("%c\r\n", newAddr)))
	return nil
}

func (s *Sensor) handleIdentifyMeas(im IdentMeas) error {
	if im.HasParam {
		return s.handleIdentifyParam(im)
	}

	var resp string
	switch im.Verb {
	case IdentVerbM, IdentVerbV:
		n := saturate(s.GroupCount(groupFor(im)), 9)
		resp = fmt.Sprintf("%c000%d\r\n", s.address, n)
	case IdentVerbC:
		n := saturate(s.GroupCount(groupFor(im)), 99)
		resp = fmt.Sprintf("%c000%02d\r\n", s.address, n)
	case IdentVerbR:
		n := saturate(s.GroupCount(im.Group), 99)
		resp = fmt.Sprintf("%c000%02d\r\n", s.address, n)
	case IdentVerbHA, IdentVerbHB:
		n := saturate(s.GroupCount(0), 999)
		resp = fmt.Sprintf("%c000%03d\r\n", s.address, n)
	default:
		resp = fmt.Sprintf("%c0000\r\n", s.address)
	}
	s.send([]byte(resp))
	return nil
}

func groupFor(im IdentMeas) uint8 {
	if im.Verb == IdentVerbM || im.Verb == IdentVerbC {
		return im.Group
	}
	return 0
}

func (s *Sensor) handleIdentifyParam(im IdentMeas) error {
	group := groupFor(im)
	if im.Verb == IdentVerbR {
		group = im.Group
	}
	indices := s.groupIndices(group)
	s.crcRequested = im.CRC

	if im.ParamNum < 1 || im.ParamNum > len(indices) {
		s.send(s.frame([]byte{s.address}))
		return nil
	}

	p := s.params[indices[im.ParamNum-1]]
	body := []byte(fmt.Sprintf("%c,%s,%s;", s.address, p.SHEF, p.Units))
	s.send(s.frame(body))
	return nil
}

func (s *Sensor) handleExtended(body string) error {
	for _, x := range s.xcmds {
		if len(body) >= len(x.prefix) && body[:len(x.prefix)] == x.prefix {
			resp, err := x.handler(body)
			out := []byte{s.address}
			out = append(out, resp...)
			if len(out) < 2 || out[len(out)-2] != '\r' || out[len(out)-1] != '\n' {
				out = append(out, '\r', '\n')
			}
			s.send(out)
			return err
		}
	}
	s.send([]byte(fmt.Sprintf("%c\r\n", s.address)))
	return nil
}
