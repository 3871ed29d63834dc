// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdi12

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// TestFuzzCRC16_Deterministic checks that CRC16 is a pure function of its
// input and that flipping one byte changes the digest in nearly every case.
func TestFuzzCRC16_Deterministic(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		length := rng.Intn(200) + 1
		data := make([]byte, length)
		rng.Read(data)

		crc1 := CRC16(data)
		crc2 := CRC16(data)
		if crc1 != crc2 {
			t.Fatalf("round %d: CRC16 not deterministic: 0x%04X != 0x%04X", i, crc1, crc2)
		}

		idx := rng.Intn(length)
		original := data[idx]
		data[idx] ^= byte(rng.Intn(255) + 1)
		crc3 := CRC16(data)
		data[idx] = original

		if crc3 == crc1 {
			t.Logf("round %d: CRC collision on single-byte flip (rare but possible)", i)
		}
	}
}

// TestFuzzEncodeCRCASCII_StaysPrintable verifies every encoded CRC triplet
// falls in SDI-12's printable-ASCII range regardless of input.
func TestFuzzEncodeCRCASCII_StaysPrintable(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		crc := uint16(rng.Uint32())
		enc := EncodeCRCASCII(crc)
		for _, b := range enc {
			if b < 0x40 || b > 0x7F {
				t.Fatalf("round %d: CRC byte 0x%02X outside [0x40,0x7F] for crc=0x%04X", i, b, crc)
			}
		}
	}
}

// TestFuzzAppendCRC_RoundTripsRandomPayloads feeds random payloads through
// AppendCRC and checks VerifyCRC always accepts the untampered result and
// rejects a single corrupted byte.
func TestFuzzAppendCRC_RoundTripsRandomPayloads(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		length := rng.Intn(80) + 1
		data := make([]byte, length)
		for j := range data {
			// Body bytes from '0' (0x30) up to 0x8D; AppendCRC and
			// VerifyCRC work from the slice length, so the byte values
			// themselves do not affect the framing.
			data[j] = byte(0x30 + rng.Intn(0x5E))
		}

		framed := AppendCRC(data)
		if !VerifyCRC(framed) {
			t.Fatalf("round %d: VerifyCRC rejected untampered frame %q", i, framed)
		}

		corrupt := append([]byte(nil), framed...)
		idx := rng.Intn(len(data))
		corrupt[idx] ^= byte(rng.Intn(255) + 1)
		if VerifyCRC(corrupt) {
			t.Fatalf("round %d: VerifyCRC accepted corrupted frame %q", i, corrupt)
		}
	}
}

// TestFuzzParseCommand_NeverPanics feeds ParseCommand random byte strings,
// including ones shaped like real commands, and asserts it only ever
// returns a (Command, error) pair — never panics, regardless of input.
func TestFuzzParseCommand_NeverPanics(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	alphabet := []byte("0123456789abcdefzABCDEFGHIJMVCRDXHI_!?")

	for i := 0; i < rounds; i++ {
		length := rng.Intn(12)
		raw := make([]byte, length)
		for j := range raw {
			raw[j] = alphabet[rng.Intn(len(alphabet))]
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("round %d: ParseCommand panicked on %q: %v", i, raw, r)
				}
			}()
			_, _ = ParseCommand(raw)
		}()
	}
}

// TestFuzzParseCommand_WellFormedRoundTrips builds syntactically valid
// measure/concurrent commands with random address/group/CRC combinations
// and checks the parsed fields match what was encoded.
func TestFuzzParseCommand_WellFormedRoundTrips(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	addresses := Addresses()

	for i := 0; i < rounds; i++ {
		addr := addresses[rng.Intn(len(addresses))]
		withCRC := rng.Intn(2) == 1
		group := uint8(rng.Intn(10))

		raw := string(addr) + "M"
		if withCRC {
			raw += "C"
		}
		if group > 0 {
			raw += strconv.Itoa(int(group))
		}
		raw += "!"

		cmd, err := ParseCommand([]byte(raw))
		if err != nil {
			t.Fatalf("round %d: unexpected error parsing %q: %v", i, raw, err)
		}
		if cmd.Kind != CmdMeasure {
			t.Fatalf("round %d: expected CmdMeasure for %q, got %v", i, raw, cmd.Kind)
		}
		if cmd.Address != addr {
			t.Fatalf("round %d: address mismatch for %q: want %q got %q", i, raw, addr, cmd.Address)
		}
		if cmd.CRC != withCRC {
			t.Fatalf("round %d: CRC flag mismatch for %q: want %v got %v", i, raw, withCRC, cmd.CRC)
		}
		if cmd.Group != group {
			t.Fatalf("round %d: group mismatch for %q: want %d got %d", i, raw, group, cmd.Group)
		}
	}
}
