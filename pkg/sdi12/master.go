// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdi12

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// MasterIO is the capability interface a host supplies to drive a Master:
// raw byte transmission/reception, half-duplex direction switching, break
// generation, and timed delay. Recv must block up to timeout and return
// fewer bytes (or none) on timeout rather than erroring.
type MasterIO interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context, timeout time.Duration) ([]byte, error)
	SetDirection(Direction)
	SendBreak(ctx context.Context) error
	Delay(ctx context.Context, d time.Duration)
}

// MeasResponse is a parsed atttn/atttnn/atttnnn measurement response.
type MeasResponse struct {
	Address     byte
	WaitSeconds uint16
	ValueCount  uint16
	Type        MeasType
}

// DataResponse is a parsed aD/aR response: the responding address, the
// values extracted from it, and whether a requested CRC validated.
type DataResponse struct {
	Address  byte
	Values   []Value
	CRCValid bool
}

// ParamMetaResponse is a parsed "a,SHEF,units;" aI..._nnn! response.
type ParamMetaResponse struct {
	Address byte
	SHEF    string
	Units   string
}

// IdentResponse is a parsed aI! response.
type IdentResponse struct {
	Address byte
	Version string
	Info    Identification
}

// Master is the master-engine (data recorder) context: bus capability
// plus the last raw response, retained for diagnostics after a
// transaction (mirrors the original resp_buf retention, which this port
// exposes rather than hiding, since Go callers can simply hold a slice).
type Master struct {
	io      MasterIO
	log     zerolog.Logger
	lastRaw []byte
}

// MasterOption configures optional Master construction parameters.
type MasterOption func(*Master)

// WithMasterLogger attaches a structured logger for transaction tracing.
func WithMasterLogger(l zerolog.Logger) MasterOption {
	return func(m *Master) { m.log = l }
}

// NewMaster creates a master context bound to io.
func NewMaster(io MasterIO, opts ...MasterOption) (*Master, error) {
	if io == nil {
		return nil, fmt.Errorf("master: nil capability interface: %w", ErrCallbackMissing)
	}
	m := &Master{io: io, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LastResponse returns the raw bytes (trimmed of CR LF) from the most
// recent transaction, for diagnostics when a parse step fails.
func (m *Master) LastResponse() []byte { return m.lastRaw }

// SendBreak wakes the bus: generates a break condition, then waits out
// the post-break marking period before the caller issues a command.
func (m *Master) SendBreak(ctx context.Context) error {
	if err := m.io.SendBreak(ctx); err != nil {
		return fmt.Errorf("master: send break: %w", err)
	}
	m.io.Delay(ctx, MarkingDuration)
	return nil
}

func (m *Master) sendCommand(ctx context.Context, cmd string) error {
	if len(cmd) > MaxCommandLen {
		return fmt.Errorf("master: command %q: %w", cmd, ErrInvalidCommand)
	}
	m.io.SetDirection(DirTX)
	err := m.io.Send(ctx, []byte(cmd))
	m.io.SetDirection(DirRX)
	if err != nil {
		return fmt.Errorf("master: send %q: %w", cmd, err)
	}
	return nil
}

// Transact sends cmd and waits up to timeout for a response, recording it
// (CR LF trimmed) as LastResponse. Returns ErrTimeout if nothing arrives.
func (m *Master) Transact(ctx context.Context, cmd string, timeout time.Duration) error {
	if err := m.sendCommand(ctx, cmd); err != nil {
		return err
	}

	resp, err := m.io.Recv(ctx, timeout)
	if err != nil {
		return fmt.Errorf("master: recv: %w", err)
	}
	if len(resp) == 0 {
		return ErrTimeout
	}

	m.lastRaw = trimCRLF(resp)
	m.log.Debug().Str("cmd", cmd).Bytes("resp", m.lastRaw).Msg("transaction complete")
	return nil
}

func trimCRLF(buf []byte) []byte {
	end := len(buf)
	for end > 0 && (buf[end-1] == '\r' || buf[end-1] == '\n') {
		end--
	}
	return buf[:end]
}

// QueryAddress sends "?!", the single-sensor address discovery query.
// Only meaningful when exactly one sensor is present on the bus.
func (m *Master) QueryAddress(ctx context.Context) (byte, error) {
	if err := m.Transact(ctx, "?!", ResponseTimeout); err != nil {
		return 0, err
	}
	if len(m.lastRaw) < 1 || !IsValidAddress(m.lastRaw[0]) {
		return 0, ErrInvalidAddress
	}
	return m.lastRaw[0], nil
}

// Acknowledge sends "a!" and reports whether a sensor answered. A
// timeout is not an error here — it means no sensor is present.
func (m *Master) Acknowledge(ctx context.Context, addr byte) (bool, error) {
	if !IsValidAddress(addr) {
		return false, ErrInvalidAddress
	}

	err := m.Transact(ctx, fmt.Sprintf("%c!", addr), ResponseTimeout)
	if err == ErrTimeout {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return len(m.lastRaw) >= 1 && m.lastRaw[0] == addr, nil
}

// ChangeAddress sends "aAb!", reassigning a sensor's address.
func (m *Master) ChangeAddress(ctx context.Context, oldAddr, newAddr byte) error {
	if !IsValidAddress(oldAddr) || !IsValidAddress(newAddr) {
		return ErrInvalidAddress
	}

	if err := m.Transact(ctx, fmt.Sprintf("%cA%c!", oldAddr, newAddr), ResponseTimeout); err != nil {
		return err
	}
	if len(m.lastRaw) >= 1 && m.lastRaw[0] == newAddr {
		return nil
	}
	return ErrInvalidAddress
}

// Identify sends "aI!" and parses the fixed-width identification string:
// address(1) + version(2) + vendor(8) + model(6) + firmware(3) + serial(0-13).
func (m *Master) Identify(ctx context.Context, addr byte) (IdentResponse, error) {
	if !IsValidAddress(addr) {
		return IdentResponse{}, ErrInvalidAddress
	}

	if err := m.Transact(ctx, fmt.Sprintf("%cI!", addr), ResponseTimeout); err != nil {
		return IdentResponse{}, err
	}

	const minLen = 1 + IDVersionLen + IDVendorLen + IDModelLen + IDFirmwareLen
	if len(m.lastRaw) < minLen {
		return IdentResponse{}, fmt.Errorf("master: identify response too short: %w", ErrParseFailed)
	}

	buf := m.lastRaw
	pos := 1
	version := string(buf[pos : pos+IDVersionLen])
	pos += IDVersionLen
	vendor := string(buf[pos : pos+IDVendorLen])
	pos += IDVendorLen
	model := string(buf[pos : pos+IDModelLen])
	pos += IDModelLen
	firmware := string(buf[pos : pos+IDFirmwareLen])
	pos += IDFirmwareLen

	var serial string
	if pos < len(buf) {
		serial = string(buf[pos:])
	}

	return IdentResponse{
		Address: buf[0],
		Version: version,
		Info: Identification{
			Vendor:   vendor,
			Model:    model,
			Firmware: firmware,
			Serial:   serial,
		},
	}, nil
}

// StartMeasurement builds and sends the command for type/group/crc
// (aM!, aMC!, aMn!, aMCn!, aC!, aCC!, aCn!, aCCn!, aV!, aHA[C]!, aHB[C]!)
// and parses the atttn/atttnn/atttnnn response.
func (m *Master) StartMeasurement(ctx context.Context, addr byte, kind MeasType, group uint8, crc bool) (MeasResponse, error) {
	if !IsValidAddress(addr) {
		return MeasResponse{}, ErrInvalidAddress
	}

	cmd, err := buildMeasureCommand(addr, kind, group, crc)
	if err != nil {
		return MeasResponse{}, err
	}

	if err := m.Transact(ctx, cmd, ResponseTimeout); err != nil {
		return MeasResponse{}, err
	}

	return ParseMeasResponse(m.lastRaw, kind)
}

func buildMeasureCommand(addr byte, kind MeasType, group uint8, crc bool) (string, error) {
	switch kind {
	case MeasStandard:
		if crc {
			if group > 0 {
				return fmt.Sprintf("%cMC%d!", addr, group), nil
			}
			return fmt.Sprintf("%cMC!", addr), nil
		}
		if group > 0 {
			return fmt.Sprintf("%cM%d!", addr, group), nil
		}
		return fmt.Sprintf("%cM!", addr), nil

	case MeasConcurrent:
		if crc {
			if group > 0 {
				return fmt.Sprintf("%cCC%d!", addr, group), nil
			}
			return fmt.Sprintf("%cCC!", addr), nil
		}
		if group > 0 {
			return fmt.Sprintf("%cC%d!", addr, group), nil
		}
		return fmt.Sprintf("%cC!", addr), nil

	case MeasVerification:
		return fmt.Sprintf("%cV!", addr), nil

	case MeasHighVolASCII:
		if crc {
			return fmt.Sprintf("%cHAC!", addr), nil
		}
		return fmt.Sprintf("%cHA!", addr), nil

	case MeasHighVolBinary:
		if crc {
			return fmt.Sprintf("%cHBC!", addr), nil
		}
		return fmt.Sprintf("%cHB!", addr), nil

	default:
		return "", ErrInvalidCommand
	}
}

// WaitServiceRequest blocks for a service request ("a\r\n") from addr,
// sent after a deferred standard measurement completes.
func (m *Master) WaitServiceRequest(ctx context.Context, addr byte, timeout time.Duration) error {
	resp, err := m.io.Recv(ctx, timeout)
	if err != nil {
		return fmt.Errorf("master: recv: %w", err)
	}
	if len(resp) == 0 {
		return ErrTimeout
	}
	m.lastRaw = trimCRLF(resp)
	if len(m.lastRaw) >= 1 && m.lastRaw[0] == addr {
		return nil
	}
	return ErrTimeout
}

// GetData sends "aDn!" (n in 0-9) and parses the returned values.
func (m *Master) GetData(ctx context.Context, addr byte, page uint8, crc bool) (DataResponse, error) {
	if !IsValidAddress(addr) {
		return DataResponse{}, ErrInvalidAddress
	}

	if err := m.Transact(ctx, fmt.Sprintf("%cD%d!", addr, page), ResponseTimeout); err != nil {
		return DataResponse{}, err
	}
	return m.parseDataResponse(crc)
}

// Continuous sends "aRn!"/"aRCn!" and parses the immediate data response.
func (m *Master) Continuous(ctx context.Context, addr byte, index uint8, crc bool) (DataResponse, error) {
	if !IsValidAddress(addr) {
		return DataResponse{}, ErrInvalidAddress
	}

	var cmd string
	if crc {
		cmd = fmt.Sprintf("%cRC%d!", addr, index)
	} else {
		cmd = fmt.Sprintf("%cR%d!", addr, index)
	}

	if err := m.Transact(ctx, cmd, ResponseTimeout); err != nil {
		return DataResponse{}, err
	}
	return m.parseDataResponse(crc)
}

func (m *Master) parseDataResponse(crc bool) (DataResponse, error) {
	if len(m.lastRaw) < 1 {
		return DataResponse{}, fmt.Errorf("master: empty data response: %w", ErrParseFailed)
	}

	addr := m.lastRaw[0]
	body := m.lastRaw[1:]
	crcValid := true
	if crc {
		crcValid = VerifyCRC(m.lastRaw)
		body = StripCRC(body)
	}

	values := ParseValues(body, MaxValues)
	return DataResponse{Address: addr, Values: values, CRCValid: crcValid}, nil
}

// Verify sends "aV!" and parses it like a standard measurement response.
func (m *Master) Verify(ctx context.Context, addr byte) (MeasResponse, error) {
	return m.StartMeasurement(ctx, addr, MeasVerification, 0, false)
}

// Extended sends a raw "aX...!" command and returns the unparsed response
// body, for transparent passthrough of vendor-specific commands.
func (m *Master) Extended(ctx context.Context, addr byte, body string, timeout time.Duration) ([]byte, error) {
	if !IsValidAddress(addr) {
		return nil, ErrInvalidAddress
	}

	if err := m.Transact(ctx, fmt.Sprintf("%cX%s!", addr, body), timeout); err != nil {
		return nil, err
	}
	return append([]byte(nil), m.lastRaw...), nil
}

// ExtendedMultiline sends a raw "aX...!" command and keeps collecting
// additional lines as long as each arrives within MultilineGap of the
// previous one, for sensors that stream results across several
// transmissions in answer to one extended command. This operation has no
// body in sdi12_master.c (only its header declares it); the read loop
// below makes repeated Recv calls, the first bounded by timeout and each
// later one by MultilineGap, and sends no aD0!..aD9! reads, since an
// extended command's sensor is free to keep talking without being re-polled.
func (m *Master) ExtendedMultiline(ctx context.Context, addr byte, body string, timeout time.Duration) ([]byte, int, error) {
	if !IsValidAddress(addr) {
		return nil, 0, ErrInvalidAddress
	}

	if err := m.sendCommand(ctx, fmt.Sprintf("%cX%s!", addr, body)); err != nil {
		return nil, 0, err
	}

	var out []byte
	lines := 0
	lineTimeout := timeout

	for {
		resp, err := m.io.Recv(ctx, lineTimeout)
		if err != nil {
			return nil, 0, fmt.Errorf("master: recv: %w", err)
		}
		if len(resp) == 0 {
			break
		}
		out = append(out, trimCRLF(resp)...)
		lines++
		lineTimeout = MultilineGap
	}

	if lines == 0 {
		return nil, 0, ErrTimeout
	}

	m.lastRaw = out
	return out, lines, nil
}

// GetHVData sends "aDBn!"/"aDn!" for a high-volume page (n up to 999). For
// the binary case (binary == true) it returns the full response including
// the leading address byte, ready to hand to ParseBinaryPacket, which needs
// the address as part of its fixed framing and CRC region. For the ASCII
// case it strips the address byte before returning, matching the body
// ParseValues/StripCRC expect (see parseDataResponse).
func (m *Master) GetHVData(ctx context.Context, addr byte, page uint16, binary bool) ([]byte, error) {
	if !IsValidAddress(addr) {
		return nil, ErrInvalidAddress
	}

	var cmd string
	if binary {
		cmd = fmt.Sprintf("%cDB%d!", addr, page)
	} else {
		cmd = fmt.Sprintf("%cD%d!", addr, page)
	}

	if err := m.Transact(ctx, cmd, ResponseTimeout); err != nil {
		return nil, err
	}
	if len(m.lastRaw) < 1 {
		return nil, fmt.Errorf("master: empty hv data response: %w", ErrParseFailed)
	}
	if m.lastRaw[0] != addr {
		return nil, fmt.Errorf("master: hv data from %q, expected %q: %w", m.lastRaw[0], addr, ErrParseFailed)
	}
	if binary {
		return append([]byte(nil), m.lastRaw...), nil
	}
	return append([]byte(nil), m.lastRaw[1:]...), nil
}

// BinaryPacket is a decoded high-volume binary data packet: the element
// type (selecting each value's byte width via BinType.Size) and the raw
// payload bytes, still packed, ready for the caller to unmarshal into
// whatever numeric type the type code names.
type BinaryPacket struct {
	Address byte
	Type    BinType
	Payload []byte
}

// ParseBinaryPacket decodes an aDBn! response's fixed framing:
// address(1) size_lsb(1) size_msb(1) type(1) payload(N) crc_lsb(1) crc_msb(1),
// verifying the trailing little-endian CRC over the first 4+N bytes.
func ParseBinaryPacket(raw []byte) (BinaryPacket, error) {
	if len(raw) < BinPktOverhead {
		return BinaryPacket{}, fmt.Errorf("master: binary packet too short: %w", ErrParseFailed)
	}

	addr := raw[0]
	size := int(raw[1]) | int(raw[2])<<8
	t := BinType(raw[3])

	if len(raw) != 4+size+2 {
		return BinaryPacket{}, fmt.Errorf("master: binary packet length mismatch: %w", ErrParseFailed)
	}

	payload := raw[4 : 4+size]
	gotCRC := uint16(raw[4+size]) | uint16(raw[4+size+1])<<8
	wantCRC := CRC16(raw[:4+size])
	if gotCRC != wantCRC {
		return BinaryPacket{}, ErrCrcMismatch
	}

	return BinaryPacket{Address: addr, Type: t, Payload: append([]byte(nil), payload...)}, nil
}

// IdentifyMeasurement sends aI{verb}[group][_nnn]! without a param index
// (aIM!, aIMn!, aIMC!, aIC!, aIV!, aIHA!, aIHB!, aIR0!-aIR9!, etc.) and
// parses the atttn/atttnn/atttnnn response the way StartMeasurement does
// — this command asks the sensor to DESCRIBE a measurement's timing and
// count rather than to start it, but the response shares the same shape.
// cmdBody is the raw text after "aI" (e.g. "M", "MC1", "V", "HA", "R3").
func (m *Master) IdentifyMeasurement(ctx context.Context, addr byte, cmdBody string, kind MeasType) (MeasResponse, error) {
	if !IsValidAddress(addr) {
		return MeasResponse{}, ErrInvalidAddress
	}

	cmd := fmt.Sprintf("%cI%s!", addr, cmdBody)
	if err := m.Transact(ctx, cmd, ResponseTimeout); err != nil {
		return MeasResponse{}, err
	}
	return ParseMeasResponse(m.lastRaw, kind)
}

// IdentifyParam sends aI{body}_nnn! and parses the "a,SHEF,units;" reply
// describing one registered measurement parameter.
func (m *Master) IdentifyParam(ctx context.Context, addr byte, cmdBody string, paramNum uint16) (ParamMetaResponse, error) {
	if !IsValidAddress(addr) {
		return ParamMetaResponse{}, ErrInvalidAddress
	}

	cmd := fmt.Sprintf("%cI%s_%03d!", addr, cmdBody, paramNum)
	if err := m.Transact(ctx, cmd, ResponseTimeout); err != nil {
		return ParamMetaResponse{}, err
	}

	return parseParamMetaResponse(m.lastRaw)
}

// parseParamMetaResponse decodes "a,SHEF,units;" — address, a comma, the
// SHEF code, another comma, the units, and a terminating semicolon.
func parseParamMetaResponse(buf []byte) (ParamMetaResponse, error) {
	if len(buf) < 4 || buf[1] != ',' {
		return ParamMetaResponse{}, fmt.Errorf("master: malformed param metadata: %w", ErrParseFailed)
	}

	rest := buf[2:]
	comma := -1
	for i, b := range rest {
		if b == ',' {
			comma = i
			break
		}
	}
	if comma < 0 {
		return ParamMetaResponse{}, fmt.Errorf("master: malformed param metadata: %w", ErrParseFailed)
	}

	shef := string(rest[:comma])
	unitsPart := rest[comma+1:]
	if len(unitsPart) > 0 && unitsPart[len(unitsPart)-1] == ';' {
		unitsPart = unitsPart[:len(unitsPart)-1]
	}

	return ParamMetaResponse{Address: buf[0], SHEF: shef, Units: string(unitsPart)}, nil
}

// ParseMeasResponse parses an "atttn"/"atttnn"/"atttnnn" measurement
// response string for the field width type implies.
func ParseMeasResponse(resp []byte, kind MeasType) (MeasResponse, error) {
	if len(resp) < 5 {
		return MeasResponse{}, fmt.Errorf("master: measurement response too short: %w", ErrParseFailed)
	}

	addr := resp[0]
	ttt, n := readDigits(resp[1:], 3)
	if n != 3 {
		return MeasResponse{}, fmt.Errorf("master: malformed ttt field: %w", ErrParseFailed)
	}

	digits := headerDigits(kind)
	count, n := readDigits(resp[4:], digits)
	if n != digits {
		return MeasResponse{}, fmt.Errorf("master: malformed count field: %w", ErrParseFailed)
	}

	return MeasResponse{Address: addr, WaitSeconds: uint16(ttt), ValueCount: uint16(count), Type: kind}, nil
}

func readDigits(s []byte, want int) (uint32, int) {
	var n uint32
	i := 0
	for i < want && i < len(s) && s[i] >= '0' && s[i] <= '9' {
		n = n*10 + uint32(s[i]-'0')
		i++
	}
	return n, i
}
