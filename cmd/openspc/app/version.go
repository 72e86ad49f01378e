// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package app

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time through -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version info",
	Long:  ``,
	Run: func(*cobra.Command, []string) {
		fmt.Printf("openspc %s (%s)\n", Version, runtime.Version())
	},
}

func init() {
	OpenSPCCmd.AddCommand(versionCmd)
}
