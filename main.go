// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// sdi12ctl - SDI-12 bus inspection and simulation tool

package main

import (
	"fmt"
	"os"

	"github.com/phillipweinstock/libsdi12/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
