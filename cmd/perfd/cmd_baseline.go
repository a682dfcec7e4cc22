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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPerf/services/perf/regression"
	badgerdb "github.com/AleutianAI/AleutianPerf/services/perf/storage/badger"
)

// errNoStore is returned when neither --store nor storage.baselinePath is set.
var errNoStore = errors.New("no baseline store: pass --store or set storage.baselinePath")

// newBaselineCmd builds "perfd baseline" and its export and import
// subcommands. Both operate on the badger store directly and do not start
// the orchestrator.
func newBaselineCmd(a *app) *cobra.Command {
	var storePath string
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Export or import regression baselines",
	}
	cmd.PersistentFlags().StringVar(&storePath, "store", "",
		"Baseline database directory (default: storage.baselinePath)")

	export := &cobra.Command{
		Use:   "export [file]",
		Short: "Write stored baselines as JSON to a file or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTester(cmd.Context(), a, storePath, func(t *regression.Tester, _ regression.BaselineStore) error {
				data, err := t.ExportBaselines()
				if err != nil {
					return err
				}
				if len(args) == 1 {
					return os.WriteFile(args[0], data, 0o644)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			})
		},
	}

	imp := &cobra.Command{
		Use:   "import <file|->",
		Short: "Replace stored baselines with an exported snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return withTester(cmd.Context(), a, storePath, func(t *regression.Tester, store regression.BaselineStore) error {
				if err := t.ImportBaselines(data); err != nil {
					return err
				}
				if err := t.Persist(cmd.Context(), store); err != nil {
					return err
				}
				snap := t.Snapshot()
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d tests and %d baselines\n",
					len(snap.Tests), len(snap.Baselines))
				return nil
			})
		},
	}

	cmd.AddCommand(export, imp)
	return cmd
}

// withTester opens the store, restores a tester from it and calls fn.
func withTester(ctx context.Context, a *app, storePath string, fn func(*regression.Tester, regression.BaselineStore) error) error {
	path := storePath
	if path == "" {
		path = a.cfg.Storage.BaselinePath
	}
	if path == "" {
		return errNoStore
	}
	logger := a.logger()

	dbCfg := badgerdb.DefaultConfig()
	dbCfg.Path = path
	dbCfg.GCInterval = 0
	db, err := badgerdb.Open(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := regression.NewBadgerStore(db)
	tester := regression.New(a.cfg.Orchestrator.ToRegressionConfig(logger))
	if _, err := tester.LoadFrom(ctx, store); err != nil {
		return fmt.Errorf("read baselines from %s: %w", path, err)
	}
	return fn(tester, store)
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}
