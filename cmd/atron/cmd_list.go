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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/assemblotron/internal/assembler"
	"github.com/AleutianAI/assemblotron/pkg/ux"
)

func newListCmd(a *app) *cobra.Command {
	var showParams bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed and installable assemblers",
		Long: `Lists every assembler manifest found in the built-in set and the
configured assembler directories, split into those that can run on this
machine and those that cannot, with the reason.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printList(a.printer(), a.registry(), showParams)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showParams, "params", false, "show each assembler's parameter schema")
	return cmd
}

func printList(p *ux.Printer, reg *assembler.Registry, showParams bool) {
	available := reg.Available()
	unavailable := reg.Unavailable()

	p.Title("Installed assemblers")
	if len(available) == 0 {
		p.Muted("  none")
	}
	for _, e := range available {
		p.Item(ux.IconSuccess, e.Manifest.Name, shortname(e.Manifest))
		if showParams {
			printParams(p, e.Manifest)
		}
	}

	p.Blank()
	p.Title("Installable assemblers")
	if len(unavailable) == 0 {
		p.Muted("  none")
	}
	for _, e := range unavailable {
		detail := strings.TrimSpace(shortname(e.Manifest) + " " + e.Describe())
		p.Item(ux.IconPending, e.Manifest.Name, detail)
		if showParams {
			printParams(p, e.Manifest)
		}
	}
}

func shortname(m assembler.Manifest) string {
	if m.Shortname == "" {
		return ""
	}
	return "(" + m.Shortname + ")"
}

func printParams(p *ux.Printer, m assembler.Manifest) {
	names := m.ParamNames()
	width := 0
	for _, name := range names {
		width = max(width, len(name))
	}
	for _, name := range names {
		spec := m.ParameterSchema[name]
		value := fmt.Sprintf("%s, default %v", spec.Kind(), spec.Default)
		if spec.Description != "" {
			value += ": " + spec.Description
		}
		p.Field(name, width, value)
	}
}
