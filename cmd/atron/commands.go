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
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree for one invocation of a.
func newRootCmd(a *app) *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "atron",
		Short: "Optimize and run de novo transcriptome assemblers",
		Long: `atron searches each assembler's parameter space on a subsample of a
paired-end library, persists the best parameters, and then assembles the full
library with them.

Configuration is read from ~/.assemblotron/atron.yaml (created on first run),
ATRON_* environment variables and a .env file in the working directory. Flags
take precedence over all of them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd, g)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default ~/.assemblotron/atron.yaml)")
	pf.StringVar(&g.verbosity, "verbosity", "info", "log verbosity: quiet, info or debug")
	pf.StringVar(&g.logDir, "log-dir", "", "directory for the JSON log file")
	pf.StringVar(&g.traceFile, "trace-file", "", "write finished spans to this file as JSON")
	pf.StringVar(&g.metricsFile, "metrics-file", "", "write metrics here on exit (*.json for JSON, else Prometheus text)")
	pf.StringVar(&g.otlpEndpoint, "otlp-endpoint", "", "export spans to an OTLP gRPC collector at host:port")
	pf.StringArrayVar(&g.assemblerDirs, "assemblers-dir", nil, "directory of assembler manifests (repeatable)")

	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newListCmd(a))
	return rootCmd
}
