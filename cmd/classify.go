// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fumi-engineer/vitmoe/checkpoint"
	"github.com/fumi-engineer/vitmoe/envconfig"
	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/vision"
)

// readLabels reads one class name per line, skipping blank lines.
func readLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" {
			labels = append(labels, s)
		}
	}
	return labels, sc.Err()
}

func newClassifyCmd() *cobra.Command {
	var labelsPath string
	var top int

	cmd := &cobra.Command{
		Use:   "classify CHECKPOINT IMAGE...",
		Short: "Classify images with a trained checkpoint",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, h, err := checkpoint.LoadModel(args[0], model.WithParallelism(envconfig.NumThreads()))
			if err != nil {
				return err
			}
			labels, err := readLabels(labelsPath)
			if err != nil {
				return err
			}
			if len(labels) > 0 && len(labels) != h.Config.NumClasses {
				return fmt.Errorf("%s has %d labels, model has %d classes", labelsPath, len(labels), h.Config.NumClasses)
			}

			opts := vision.DefaultOptions(h.Config.ImgSize, h.Config.InChans)
			images, err := vision.LoadBatch(cmd.Context(), args[1:], opts)
			if err != nil {
				return err
			}
			m.SetTraining(false)
			out := m.Forward(images)

			var data [][]string
			for i, row := range model.Predict(out.Logits, top) {
				for rank, p := range row {
					label := "-"
					if labels != nil {
						label = labels[p.Index]
					}
					data = append(data, []string{
						filepath.Base(args[1+i]),
						strconv.Itoa(rank + 1),
						strconv.Itoa(p.Index),
						label,
						strconv.FormatFloat(float64(p.Score), 'f', 4, 32),
					})
				}
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"IMAGE", "RANK", "CLASS", "LABEL", "SCORE"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&labelsPath, "labels", "", "file with one class name per line")
	cmd.Flags().IntVarP(&top, "top", "k", 5, "classes to show per image")
	return cmd
}
