// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package cmd is the vitmoe command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fumi-engineer/vitmoe/checkpoint"
	"github.com/fumi-engineer/vitmoe/envconfig"
	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/version"
)

// expertFlag adapts model.ExpertSpec to a pflag value.
type expertFlag struct{ spec *model.ExpertSpec }

func (f expertFlag) String() string { return f.spec.String() }
func (f expertFlag) Type() string   { return "experts" }

func (f expertFlag) Set(s string) error {
	spec, err := model.ParseExpertSpec(s)
	if err != nil {
		return err
	}
	*f.spec = spec
	return nil
}

// addModelFlags registers one flag per Config field, defaulting to cfg.
func addModelFlags(cmd *cobra.Command, cfg *model.Config) {
	fs := cmd.Flags()
	fs.Var(expertFlag{&cfg.NumExperts}, "num-experts", "experts per MoE layer: N or N1,N2,...")
	fs.BoolVar(&cfg.UseResidual, "use-residual", cfg.UseResidual, "add a residual expert (top-1 routing)")
	fs.Float32Var(&cfg.CapacityFactorTrain, "capacity-factor-train", cfg.CapacityFactorTrain, "expert capacity factor in training")
	fs.Float32Var(&cfg.CapacityFactorEval, "capacity-factor-eval", cfg.CapacityFactorEval, "expert capacity factor in evaluation")
	fs.BoolVar(&cfg.DropTokens, "drop-tks", cfg.DropTokens, "drop tokens beyond expert capacity")
	fs.IntVar(&cfg.MinCapacity, "min-capacity", cfg.MinCapacity, "minimum expert capacity")
	fs.IntVar(&cfg.ImgSize, "img-size", cfg.ImgSize, "input image size")
	fs.IntVar(&cfg.PatchSize, "patch-size", cfg.PatchSize, "patch size")
	fs.IntVar(&cfg.InChans, "in-chans", cfg.InChans, "input channels")
	fs.IntVar(&cfg.NumClasses, "num-classes", cfg.NumClasses, "number of classes")
	fs.IntVar(&cfg.Depth, "depth", cfg.Depth, "number of transformer layers")
	fs.IntVar(&cfg.HiddenSize, "hidden-size", cfg.HiddenSize, "embedding dimension")
	fs.IntVar(&cfg.NumHeads, "num-heads", cfg.NumHeads, "attention heads")
	fs.IntVar(&cfg.DKV, "d-kv", cfg.DKV, "per-head key/value dimension")
	fs.IntVar(&cfg.DFF, "d-ff", cfg.DFF, "feed-forward hidden dimension")
	fs.Float32Var(&cfg.AttentionDrop, "attention-drop", cfg.AttentionDrop, "attention dropout rate")
	fs.Float32Var(&cfg.DropRate, "drop-rate", cfg.DropRate, "dropout rate")
	fs.Float32Var(&cfg.DropPath, "drop-path", cfg.DropPath, "maximum stochastic depth rate")
	fs.BoolVar(&cfg.Checkpoint, "checkpoint", cfg.Checkpoint, "recompute layer activations in backward")
}

// loadOrBuild restores a model from path, or builds a fresh one from cfg
// when path is empty.
func loadOrBuild(path string, cfg model.Config) (*model.ViTMoE, error) {
	opts := []model.Option{
		model.WithSeed(envconfig.Seed()),
		model.WithParallelism(envconfig.NumThreads()),
	}
	if path != "" {
		m, h, err := checkpoint.LoadModel(path, opts...)
		if err != nil {
			return nil, err
		}
		slog.Info("loaded checkpoint", "path", path, "run_id", h.RunID, "step", h.Step)
		return m, nil
	}
	return model.New(cfg, opts...)
}

func versionHandler(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "vitmoe version %s\n", version.Version)
}

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: envconfig.LogLevel()})))

	rootCmd := &cobra.Command{
		Use:           "vitmoe",
		Short:         "Vision Transformer with mixture-of-experts layers",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				versionHandler(cmd, args)
				return
			}
			cmd.Print(cmd.UsageString())
		},
	}
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(
		newInspectCmd(),
		newTrainCmd(),
		newClassifyCmd(),
		newServeCmd(),
	)
	return rootCmd
}
