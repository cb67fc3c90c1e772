// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package cmd

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fumi-engineer/vitmoe/envconfig"
	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/server"
)

func newServeCmd() *cobra.Command {
	cfg := model.TinyConfig()
	var path, labelsPath string

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Serve the classification API",
		Long:    "Serve the classification API on VITMOE_HOST (default 127.0.0.1:8080).",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := loadOrBuild(path, cfg)
			if err != nil {
				return err
			}
			labels, err := readLabels(labelsPath)
			if err != nil {
				return err
			}
			s, err := server.New(m, labels)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", envconfig.Host().Host)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.Serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&path, "model", "", "checkpoint to serve; without it a freshly initialized model is served")
	cmd.Flags().StringVar(&labelsPath, "labels", "", "file with one class name per line")
	addModelFlags(cmd, &cfg)
	return cmd
}
