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

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the SDI-12 address space for responding sensors",
	Long: `Send an acknowledge-active ("a!") to every valid SDI-12 address in turn
and report which ones respond.

A full scan sends a BREAK first to reset every sensor to Ready, then
probes all 62 valid addresses ('0'-'9', 'A'-'Z', 'a'-'z').

Exit codes:
  0 - at least one sensor found
  1 - no sensors found
  2 - connection error`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("sdi12ctl - Address Scan\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	io := newSerialMasterIO(conn)
	master, err := sdi12.NewMaster(io)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Master init error: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()
	if err := master.SendBreak(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Break error: %v\n", err)
		os.Exit(2)
	}

	found := 0
	for _, addr := range sdi12.Addresses() {
		present, err := master.Acknowledge(ctx, addr)
		if err != nil {
			fmt.Printf("  %c: error: %v\n", addr, err)
			continue
		}
		if present {
			found++
			fmt.Printf("  %c: present\n", addr)
		}
	}

	fmt.Printf("\n--- Scan summary ---\n")
	fmt.Printf("Sensors found: %d\n", found)

	if found == 0 {
		fmt.Println("No sensors discovered. Check wiring and power.")
		os.Exit(1)
	}

	return nil
}

// serialMasterIO adapts a Connection to sdi12.MasterIO. go.bug.st/serial
// (and the loopback Bus) don't expose a context-aware read, so each Recv
// runs one Read in a goroutine and returns with whichever comes first:
// that Read's bytes, the timeout, or ctx cancellation.
type serialMasterIO struct {
	conn Connection
}

func newSerialMasterIO(conn Connection) *serialMasterIO {
	return &serialMasterIO{conn: conn}
}

func (s *serialMasterIO) Send(ctx context.Context, data []byte) error {
	_, err := s.conn.Write(data)
	return err
}

func (s *serialMasterIO) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)

	go func() {
		buf := make([]byte, 256)
		n, err := s.conn.Read(buf)
		done <- result{buf: buf[:n], err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.buf, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *serialMasterIO) SetDirection(sdi12.Direction) {}

func (s *serialMasterIO) SendBreak(ctx context.Context) error {
	if b, ok := s.conn.(interface{ SendBreak(time.Duration) error }); ok {
		return b.SendBreak(sdi12.BreakDuration)
	}
	return nil
}

func (s *serialMasterIO) Delay(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
