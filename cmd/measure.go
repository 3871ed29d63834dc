// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/phillipweinstock/libsdi12/pkg/sdi12"
	"github.com/spf13/cobra"
)

var (
	measureConcurrent bool
	measureContinuous int
	measureCRC        bool
	measureGroup      uint8
	measureHighVol    string
)

var measureCmd = &cobra.Command{
	Use:   "measure <address>",
	Short: "Start a measurement and retrieve its values",
	Long: `Start a standard ("aM!"), concurrent ("aC!"), or continuous ("aRn!")
measurement on the given address, wait for the sensor's ttt deadline or
service request as appropriate, then read back the values with "aD0!"
(a continuous measurement returns its values directly; --highvol reads
page 0 with "aD0!" or "aDB0!").

Exit codes:
  0 - values retrieved
  1 - measurement or data request failed
  2 - connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runMeasure,
}

func init() {
	rootCmd.AddCommand(measureCmd)
	measureCmd.Flags().BoolVar(&measureConcurrent, "concurrent", false, "Use concurrent measurement (aC!) instead of standard (aM!)")
	measureCmd.Flags().IntVar(&measureContinuous, "continuous", -1, "Use continuous measurement index 0-9 (aRn!) instead of aM!/aC!")
	measureCmd.Flags().BoolVar(&measureCRC, "crc", false, "Request a CRC-checked response variant")
	measureCmd.Flags().Uint8Var(&measureGroup, "group", 0, "Measurement group 0-9")
	measureCmd.Flags().StringVar(&measureHighVol, "highvol", "", `Use high-volume measurement instead of aM!/aC!/aRn!: "ascii" (aHA!/aDn!) or "binary" (aHB!/aDBn!)`)
}

func runMeasure(cmd *cobra.Command, args []string) error {
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

	fmt.Printf("sdi12ctl - Measure\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	master, err := sdi12.NewMaster(newSerialMasterIO(conn))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Master init error: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()

	if measureHighVol != "" {
		return runHighVolMeasure(ctx, master, addr)
	}

	if measureContinuous >= 0 {
		resp, err := master.Continuous(ctx, addr, uint8(measureContinuous), measureCRC)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Continuous measurement failed: %v\n", err)
			os.Exit(1)
		}
		printValues(resp)
		return nil
	}

	kind := sdi12.MeasStandard
	if measureConcurrent {
		kind = sdi12.MeasConcurrent
	}

	meas, err := master.StartMeasurement(ctx, addr, kind, measureGroup, measureCRC)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Start measurement failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Sensor reports %d value(s), ready in %ds\n", meas.ValueCount, meas.WaitSeconds)

	if meas.WaitSeconds > 0 && kind == sdi12.MeasStandard {
		if err := master.WaitServiceRequest(ctx, addr, time.Duration(meas.WaitSeconds+1)*time.Second); err != nil {
			fmt.Fprintf(os.Stderr, "No service request received, polling at deadline: %v\n", err)
		}
	} else if meas.WaitSeconds > 0 {
		time.Sleep(time.Duration(meas.WaitSeconds) * time.Second)
	}

	resp, err := master.GetData(ctx, addr, 0, measureCRC)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Get data failed: %v\n", err)
		os.Exit(1)
	}
	printValues(resp)
	return nil
}

// runHighVolMeasure drives aHA!/aHB! plus the matching aDn!/aDBn! page
// reads, decoding the binary variant's fixed framing when requested.
func runHighVolMeasure(ctx context.Context, master *sdi12.Master, addr byte) error {
	var kind sdi12.MeasType
	var binary bool
	switch measureHighVol {
	case "binary":
		kind, binary = sdi12.MeasHighVolBinary, true
	case "ascii":
		kind = sdi12.MeasHighVolASCII
	default:
		return fmt.Errorf(`invalid --highvol value %q (want "ascii" or "binary")`, measureHighVol)
	}

	meas, err := master.StartMeasurement(ctx, addr, kind, 0, measureCRC)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Start high-volume measurement failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sensor reports %d value(s), ready in %ds\n", meas.ValueCount, meas.WaitSeconds)

	if meas.WaitSeconds > 0 {
		time.Sleep(time.Duration(meas.WaitSeconds) * time.Second)
	}

	raw, err := master.GetHVData(ctx, addr, 0, binary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Get high-volume data failed: %v\n", err)
		os.Exit(1)
	}

	if binary {
		pkt, err := sdi12.ParseBinaryPacket(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Binary packet decode failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Address: %c\n", pkt.Address)
		fmt.Printf("Element type: %d (%d bytes each)\n", pkt.Type, pkt.Type.Size())
		fmt.Printf("Payload: % X\n", pkt.Payload)
		return nil
	}

	for i, v := range sdi12.ParseValues(raw, sdi12.HMaxValues) {
		fmt.Printf("  [%d] %s\n", i, v.Format())
	}
	return nil
}

func printValues(resp sdi12.DataResponse) {
	fmt.Printf("Address: %c\n", resp.Address)
	if !resp.CRCValid {
		fmt.Printf("WARNING: CRC check failed\n")
	}
	for i, v := range resp.Values {
		fmt.Printf("  [%d] %s\n", i, v.Format())
	}
}
