// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdi12

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsValidAddress(t *testing.T) {
	testCases := []struct {
		name  string
		c     byte
		valid bool
	}{
		{"digit zero", '0', true},
		{"digit nine", '9', true},
		{"upper A", 'A', true},
		{"upper Z", 'Z', true},
		{"lower a", 'a', true},
		{"lower z", 'z', true},
		{"space", ' ', false},
		{"wildcard", '?', false},
		{"bang", '!', false},
		{"below digits", '/', false},
		{"above digits", ':', false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.valid, IsValidAddress(tc.c))
		})
	}
}

func TestAddresses_CoversAllSixtyTwo(t *testing.T) {
	addrs := Addresses()
	require.Len(t, addrs, 62)
	for _, a := range addrs {
		require.True(t, IsValidAddress(a))
	}
	require.Equal(t, byte('0'), addrs[0])
	require.Equal(t, byte('z'), addrs[len(addrs)-1])
}
