// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/phillipweinstock/libsdi12/pkg/sdi12"
	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <address>",
	Short: "Request a sensor's identification string",
	Long: `Send "aI!" to the given address and print the parsed SDI-12 version,
vendor, model, firmware version, and optional serial number.`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(cmd *cobra.Command, args []string) error {
	addr := args[0][0]
	if !sdi12.IsValidAddress(addr) {
		return fmt.Errorf("invalid address %q", args[0])
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("sdi12ctl - Identify\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	master, err := sdi12.NewMaster(newSerialMasterIO(conn))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Master init error: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()
	ident, err := master.Identify(ctx, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Identify failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address:  %c\n", ident.Address)
	fmt.Printf("Version:  SDI-12 v%s.%s\n", ident.Version[:1], ident.Version[1:])
	fmt.Printf("Vendor:   %s\n", ident.Info.Vendor)
	fmt.Printf("Model:    %s\n", ident.Info.Model)
	fmt.Printf("Firmware: %s\n", ident.Info.Firmware)
	if ident.Info.Serial != "" {
		fmt.Printf("Serial:   %s\n", ident.Info.Serial)
	}

	return nil
}
