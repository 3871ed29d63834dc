// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdi12

import "errors"

// Closed error taxonomy shared by the sensor and master engines. Every
// engine operation returns one of these (wrapped with context via
// fmt.Errorf("...: %w", ...)), an error passed up from a host capability
// or extended-command handler, or nil; callers inspect with errors.Is.
var (
	ErrInvalidAddress  = errors.New("sdi12: invalid address")
	ErrInvalidCommand  = errors.New("sdi12: invalid command")
	ErrBufferOverflow  = errors.New("sdi12: buffer overflow")
	ErrNotAddressed    = errors.New("sdi12: command not addressed to this context")
	ErrNoData          = errors.New("sdi12: no data available")
	ErrParamLimit      = errors.New("sdi12: parameter registration limit reached")
	ErrCallbackMissing = errors.New("sdi12: required capability missing")
	ErrTimeout         = errors.New("sdi12: timeout waiting for response")
	ErrCrcMismatch     = errors.New("sdi12: crc mismatch")
	ErrParseFailed     = errors.New("sdi12: response parse failed")
	ErrAborted         = errors.New("sdi12: operation aborted")
)
