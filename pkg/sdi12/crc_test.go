// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdi12

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC16_KnownVectors(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		crc  uint16
	}{
		{"empty", []byte{}, 0x0000},
		{"single byte", []byte{'0'}, 0x1400},
		{"ack response", []byte("0"), 0x1400},
		{"data response", []byte("0+1.23+4.56"), 0xF39E},
		{"standard check string", []byte("123456789"), 0xBB3D},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			crc := CRC16(tc.data)
			require.Equal(t, tc.crc, crc)
			enc := EncodeCRCASCII(crc)
			for _, b := range enc {
				require.GreaterOrEqual(t, b, byte(0x40))
				require.LessOrEqual(t, b, byte(0x7F))
			}
		})
	}
}

func TestAppendCRC_RoundTrips(t *testing.T) {
	body := []byte("0+1.23+4.56")
	framed := AppendCRC(body)

	require.True(t, len(framed) >= len(body)+5)
	require.Equal(t, byte('\r'), framed[len(framed)-2])
	require.Equal(t, byte('\n'), framed[len(framed)-1])
	require.True(t, VerifyCRC(framed))
}

func TestAppendCRCLen_IgnoresTrailingBytes(t *testing.T) {
	body := make([]byte, 10)
	copy(body, "0+1.23")
	framed := AppendCRCLen(body, 6)
	require.True(t, VerifyCRC(framed))
}

func TestVerifyCRC_RejectsTamperedPayload(t *testing.T) {
	framed := AppendCRC([]byte("0+1.23"))
	tampered := append([]byte(nil), framed...)
	tampered[1] = '9'
	require.False(t, VerifyCRC(tampered))
}

func TestVerifyCRC_RejectsShortInput(t *testing.T) {
	require.False(t, VerifyCRC([]byte("0\r\n")))
	require.False(t, VerifyCRC(nil))
}

func TestVerifyCRC_AcceptsWithoutTrailingCRLF(t *testing.T) {
	framed := AppendCRC([]byte("0+1.23"))
	noCRLF := framed[:len(framed)-2]
	require.True(t, VerifyCRC(noCRLF))
}
