// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package app implements the openspc CLI.
package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openspc/openspc/pkg/config"
	"github.com/openspc/openspc/pkg/util/log"
)

var (
	// OpenSPCCmd is the root command.
	OpenSPCCmd = &cobra.Command{
		Use:   "openspc [command]",
		Short: "OpenSPC statistical process control backend",
		Long: `
OpenSPC ingests process measurements from operators, REST clients, MQTT
brokers, and OPC-UA servers, evaluates them against control limits and
Nelson rules, and serves live results over websockets.`,
		SilenceUsage: true,
	}

	confFilePath string
	logLevel     string
)

func init() {
	OpenSPCCmd.PersistentFlags().StringVarP(&confFilePath, "cfgpath", "c", "", "path to a yaml configuration file")
	OpenSPCCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
}

// setupConfig loads the optional config file over defaults and env bindings,
// then initializes logging.
func setupConfig() error {
	if err := config.Load(config.OpenSPC, confFilePath); err != nil {
		return err
	}
	level := config.OpenSPC.GetString("log_level")
	if logLevel != "" {
		level = logLevel
	}
	if err := log.SetupDefaultLogger(level); err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	return nil
}
