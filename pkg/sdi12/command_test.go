// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdi12

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand_BasicForms(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		kind    CommandKind
		address byte
		isQuery bool
	}{
		{"acknowledge active", "0!", CmdAck, '0', false},
		{"query address", "?!", CmdQueryAddr, 0, true},
		{"identify", "0I!", CmdIdentify, '0', false},
		{"measure", "0M!", CmdMeasure, '0', false},
		{"concurrent", "0C!", CmdConcurrent, '0', false},
		{"verify", "0V!", CmdVerify, '0', false},
		{"send data", "0D0!", CmdSendData, '0', false},
		{"continuous", "0R0!", CmdContinuous, '0', false},
		{"high volume stub", "0H!", CmdHighVolStub, '0', false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tc.raw))
			require.NoError(t, err)
			require.Equal(t, tc.kind, cmd.Kind)
			require.Equal(t, tc.address, cmd.Address)
			require.Equal(t, tc.isQuery, cmd.IsQuery)
		})
	}
}

func TestParseCommand_AcceptsMissingBang(t *testing.T) {
	cmd, err := ParseCommand([]byte("0M"))
	require.NoError(t, err)
	require.Equal(t, CmdMeasure, cmd.Kind)
}

func TestParseCommand_MeasureWithCRCAndGroup(t *testing.T) {
	cmd, err := ParseCommand([]byte("0MC3!"))
	require.NoError(t, err)
	require.Equal(t, CmdMeasure, cmd.Kind)
	require.True(t, cmd.CRC)
	require.Equal(t, uint8(3), cmd.Group)
}

func TestParseCommand_ConcurrentNoGroupNoCRC(t *testing.T) {
	cmd, err := ParseCommand([]byte("0C!"))
	require.NoError(t, err)
	require.Equal(t, CmdConcurrent, cmd.Kind)
	require.False(t, cmd.CRC)
	require.Equal(t, uint8(0), cmd.Group)
}

func TestParseCommand_SendBinaryData(t *testing.T) {
	cmd, err := ParseCommand([]byte("0DB12!"))
	require.NoError(t, err)
	require.Equal(t, CmdSendBinary, cmd.Kind)
	require.Equal(t, uint16(12), cmd.Page)
}

func TestParseCommand_ChangeAddress(t *testing.T) {
	cmd, err := ParseCommand([]byte("0A1!"))
	require.NoError(t, err)
	require.Equal(t, CmdChangeAddr, cmd.Kind)
	require.Equal(t, byte('1'), cmd.NewAddress)
}

func TestParseCommand_HighVolumeASCIIAndBinary(t *testing.T) {
	cmd, err := ParseCommand([]byte("0HA!"))
	require.NoError(t, err)
	require.Equal(t, CmdHighVol, cmd.Kind)
	require.False(t, cmd.Binary)

	cmd, err = ParseCommand([]byte("0HBC!"))
	require.NoError(t, err)
	require.Equal(t, CmdHighVol, cmd.Kind)
	require.True(t, cmd.Binary)
	require.True(t, cmd.CRC)
}

func TestParseCommand_Extended(t *testing.T) {
	cmd, err := ParseCommand([]byte("0XFOO123!"))
	require.NoError(t, err)
	require.Equal(t, CmdExtended, cmd.Kind)
	require.Equal(t, "FOO123", cmd.ExtBody)
}

func TestParseCommand_EmptyIsInvalid(t *testing.T) {
	_, err := ParseCommand([]byte("!"))
	require.ErrorIs(t, err, ErrInvalidCommand)

	_, err = ParseCommand([]byte(""))
	require.ErrorIs(t, err, ErrInvalidCommand)
}

func TestParseCommand_UnrecognizedKind(t *testing.T) {
	_, err := ParseCommand([]byte("0Z!"))
	require.ErrorIs(t, err, ErrInvalidCommand)
}

func TestParseCommand_IdentifyMeasurement(t *testing.T) {
	cmd, err := ParseCommand([]byte("0IMC2!"))
	require.NoError(t, err)
	require.Equal(t, CmdIdentifyMeas, cmd.Kind)
	require.NotNil(t, cmd.Ident)
	require.Equal(t, IdentVerbM, cmd.Ident.Verb)
	require.True(t, cmd.Ident.CRC)
	require.Equal(t, uint8(2), cmd.Ident.Group)
}

func TestParseCommand_IdentifyParam(t *testing.T) {
	cmd, err := ParseCommand([]byte("0IM_003!"))
	require.NoError(t, err)
	require.Equal(t, CmdIdentifyMeas, cmd.Kind)
	require.True(t, cmd.Ident.HasParam)
	require.Equal(t, 3, cmd.Ident.ParamNum)
}

func TestCommand_TargetsAddress(t *testing.T) {
	cmd, err := ParseCommand([]byte("0M!"))
	require.NoError(t, err)
	require.True(t, cmd.TargetsAddress('0'))
	require.False(t, cmd.TargetsAddress('1'))

	wildcard, err := ParseCommand([]byte("?!"))
	require.NoError(t, err)
	require.True(t, wildcard.TargetsAddress('0'))
	require.True(t, wildcard.TargetsAddress('z'))
}
