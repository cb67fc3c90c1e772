// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fumi-engineer/vitmoe/checkpoint"
	"github.com/fumi-engineer/vitmoe/envconfig"
	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/tensor"
	"github.com/fumi-engineer/vitmoe/train"
)

type trainOptions struct {
	steps     int
	batch     int
	evalBatch int
	logEvery  int
	noise     float32
	fp16      bool
	output    string
	half      bool
}

func newTrainCmd() *cobra.Command {
	cfg := model.TinyConfig()
	tcfg := train.DefaultTrainConfig()
	tcfg.LR = 5e-3
	tcfg.WarmupSteps = 10
	tcfg.TotalSteps = 200
	tcfg.WeightDecay = 0
	opts := trainOptions{steps: 200, batch: 16, evalBatch: 64, logEvery: 20, noise: 0.5}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on a synthetic class-conditional dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tcfg.TotalSteps = opts.steps
			return runTrain(cmd, cfg, tcfg, opts)
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&opts.steps, "steps", opts.steps, "optimizer steps")
	fs.IntVar(&opts.batch, "batch", opts.batch, "batch size")
	fs.IntVar(&opts.evalBatch, "eval-batch", opts.evalBatch, "held-out evaluation batch size")
	fs.IntVar(&opts.logEvery, "log-every", opts.logEvery, "print metrics every N steps")
	fs.Float32Var(&opts.noise, "noise", opts.noise, "pixel noise of the synthetic dataset")
	fs.BoolVar(&opts.fp16, "fp16", false, "emulated FP16 mixed precision")
	fs.StringVarP(&opts.output, "output", "o", "", "write a checkpoint here when done")
	fs.BoolVar(&opts.half, "half", false, "store checkpoint tensors as f16")
	fs.Float32Var(&tcfg.LR, "lr", tcfg.LR, "peak learning rate")
	fs.IntVar(&tcfg.WarmupSteps, "warmup", tcfg.WarmupSteps, "warmup steps")
	fs.Float32Var(&tcfg.WeightDecay, "weight-decay", tcfg.WeightDecay, "AdamW weight decay")
	fs.Float32Var(&tcfg.GradClip, "grad-clip", tcfg.GradClip, "global gradient norm limit, 0 disables")
	fs.Float32Var(&tcfg.AuxAlpha, "aux-alpha", tcfg.AuxAlpha, "load-balancing loss weight")
	addModelFlags(cmd, &cfg)
	return cmd
}

func runTrain(cmd *cobra.Command, cfg model.Config, tcfg train.TrainConfig, opts trainOptions) error {
	if opts.steps <= 0 || opts.batch <= 0 || opts.evalBatch <= 0 {
		return fmt.Errorf("steps, batch and eval-batch must be positive")
	}
	if opts.fp16 {
		tcfg.MixedPrecision = train.FP16MixedPrecisionConfig()
	}
	m, err := loadOrBuild("", cfg)
	if err != nil {
		return err
	}

	seed := envconfig.Seed()
	data := train.NewSyntheticDataset(cfg, seed+1)
	data.SetNoise(opts.noise)
	evalImages, evalLabels := train.NewSyntheticDataset(cfg, seed+2).Batch(opts.evalBatch)

	runID := uuid.New()
	slog.Info("training", "run_id", runID, "steps", opts.steps, "batch", opts.batch, "params", m.NumParams())
	tr := train.NewTrainer(m, tcfg)
	out := cmd.OutOrStdout()
	for i := 0; i < opts.steps; i++ {
		images, labels := data.Batch(opts.batch)
		res, err := tr.TrainStep(images, labels)
		if err != nil {
			return err
		}
		if res.Step%max(opts.logEvery, 1) == 0 || res.Step == opts.steps {
			fmt.Fprintf(out, "step %5d  loss %.4f  task %.4f  aux %.4f  lr %.2e  grad %.3f",
				res.Step, res.Loss, res.TaskLoss, res.AuxLoss, res.LR, res.GradNorm)
			if res.Skipped {
				fmt.Fprint(out, "  (skipped)")
			}
			fmt.Fprintln(out)
		}
	}

	loss, acc, err := train.Evaluate(m, evalImages, evalLabels)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "eval loss %.4f  accuracy %.3f\n", loss, acc)

	if opts.output == "" {
		return nil
	}
	meta := checkpoint.Meta{RunID: runID, Step: tr.Step()}
	if opts.half {
		meta.DType = tensor.F16
	}
	if _, err := checkpoint.Save(opts.output, m, meta); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved %s\n", opts.output)
	return nil
}
