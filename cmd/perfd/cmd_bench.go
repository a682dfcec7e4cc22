// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPerf/pkg/validation"
	"github.com/AleutianAI/AleutianPerf/services/perf/benchmark"
)

// newBenchCmd builds "perfd bench".
//
// # Examples
//
//	perfd bench                       # builtin probes, 100 runs each
//	perfd bench --iterations 1000     # more samples
//	perfd bench --json                # machine-readable results
//	perfd bench --capture --tag v1.2  # store the results as a baseline
func newBenchCmd(a *app) *cobra.Command {
	var (
		iterations int
		jsonOutput bool
		capture    bool
		tag        string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the builtin benchmark probes once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if iterations <= 0 {
				return fmt.Errorf("--iterations must be positive, got %d", iterations)
			}
			if err := validation.ValidateTag(tag); err != nil {
				return err
			}
			cfg := a.cfg
			logger := a.logger()
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, cfg, logger, runtimeOptions{Probes: true, ProbeRuns: iterations})
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			results, err := rt.orch.RunBenchmarks(ctx)
			if err != nil {
				return err
			}

			if capture {
				id, err := rt.orch.CaptureBaseline(ctx, tag)
				if err != nil {
					return err
				}
				if err := rt.persist(ctx); err != nil {
					return fmt.Errorf("persist baselines: %w", err)
				}
				logger.Info("benchmark baseline captured", "capture_id", id, "tag", tag)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return printResults(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 100, "Measured runs per probe")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&capture, "capture", false, "Capture a baseline from the resulting report")
	cmd.Flags().StringVar(&tag, "tag", "", "Baseline tag used with --capture")
	return cmd
}

func printResults(w io.Writer, results []*benchmark.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROBE\tRUNS\tAVG\tP95\tP99\tOPS/S\tERRORS")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%.0f\t%d\n",
			r.Name, r.Runs,
			r.Average.Round(time.Microsecond/10),
			r.P95.Round(time.Microsecond/10),
			r.P99.Round(time.Microsecond/10),
			r.OpsPerSecond, r.ErrorCount)
	}
	return tw.Flush()
}
