// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command perfd runs the adaptive performance manager.
//
// # Usage
//
//	perfd serve --config perf.yaml        # dashboard API and periodic jobs
//	perfd bench --iterations 500          # run the builtin probes once
//	perfd baseline export --store ./db    # print stored baselines as JSON
//	perfd baseline import --store ./db f  # replace stored baselines
//	perfd config show                     # print the effective configuration
//
// # Environment Variables
//
// Every PERF_* variable recognised by the config package overrides the
// file, for example PERF_SERVER_ADDR or PERF_LOG_LEVEL.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPerf/pkg/logging"
	"github.com/AleutianAI/AleutianPerf/services/perf/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app carries state shared by every subcommand.
type app struct {
	configPath string
	cfg        config.Config
	log        *logging.Logger
}

func (a *app) logger() *slog.Logger {
	if a.log == nil {
		return slog.Default()
	}
	return a.log.Slog()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Each call returns an independent
// tree so tests can run commands in isolation.
func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "perfd",
		Short:         "Adaptive performance manager",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			a.cfg = cfg
			a.log = logging.New(cfg.Logging.ToLoggingConfig("perfd"))
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.log != nil {
				return a.log.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"Path to the YAML configuration file (defaults apply when empty or missing)")

	root.AddCommand(
		newServeCmd(a),
		newBenchCmd(a),
		newBaselineCmd(a),
		newConfigCmd(a),
	)
	return root
}
