// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fumi-engineer/vitmoe/model"
)

func newInspectCmd() *cobra.Command {
	cfg := model.TinyConfig()
	var path string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the layer structure of a model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := loadOrBuild(path, cfg)
			if err != nil {
				return err
			}
			s := m.Summary()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			printSummary(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "model", "", "checkpoint to inspect instead of the flag configuration")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	addModelFlags(cmd, &cfg)
	return cmd
}

func printSummary(w io.Writer, s model.Summary) {
	var data [][]string
	for _, l := range s.Layers {
		experts, topk := "-", "-"
		if l.Kind == model.KindRouted.String() {
			experts, topk = strconv.Itoa(l.NumExperts), strconv.Itoa(l.TopK)
		}
		noise := l.Noise
		if noise == "" {
			noise = "-"
		}
		data = append(data, []string{
			strconv.Itoa(l.Index),
			l.Kind,
			experts,
			topk,
			noise,
			strconv.FormatFloat(float64(l.DropPath), 'f', 3, 32),
			strconv.Itoa(l.Params),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LAYER", "KIND", "EXPERTS", "TOP-K", "NOISE", "DROP PATH", "PARAMS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\nimage %d, patch %d, hidden %d, %d classes, %d parameters\n",
		s.Config.ImgSize, s.Config.PatchSize, s.Config.HiddenSize, s.Config.NumClasses, s.NumParams)
}
