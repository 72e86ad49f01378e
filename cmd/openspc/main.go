// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package main

import (
	"os"

	"github.com/openspc/openspc/cmd/openspc/app"
)

func main() {
	if err := app.OpenSPCCmd.Execute(); err != nil {
		os.Exit(-1)
	}
}
