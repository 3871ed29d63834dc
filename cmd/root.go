// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
)

// Serial connection flags. SDI-12 fixes its own baud rate and framing
// (1200 baud, 7E1), so unlike a generic serial tool there is no --baud
// flag here — only the device path is configurable.
var portName string

var rootCmd = &cobra.Command{
	Use:   "sdi12ctl",
	Short: "SDI-12 bus analyzer and data recorder",
	Long: `sdi12ctl - A CLI tool for scanning, identifying, and reading SDI-12
sensors over a serial bus.

Provides commands for address-space discovery, sensor identification,
measurement retrieval, passive bus monitoring, and running a simulated
sensor for bench-testing a master implementation.

Connection:
  --port /dev/ttyUSB0

SDI-12 is always 1200 baud, 7 data bits, even parity, 1 stop bit — these
are fixed by the protocol and are not configurable.`,
	Version: "1.0.0",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
