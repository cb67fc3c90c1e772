// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"fmt"
	"math/rand"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/fumi-engineer/vitmoe/layer"
	"github.com/fumi-engineer/vitmoe/moe"
	"github.com/fumi-engineer/vitmoe/tensor"
)

// ViTMoE is the Vision Transformer with alternating dense and MoE layers.
//
//	images -> PatchEmbedding -> Dropout -> [TransformerLayer x depth]
//	       -> LayerNorm -> mean over tokens -> Linear(head) -> logits
type ViTMoE struct {
	cfg       Config
	experts   []int
	patch     *layer.PatchEmbedding
	embedDrop *layer.Dropout
	layers    []*TransformerLayer
	norm      *layer.LayerNorm
	head      *layer.Linear

	lossCtx  *moe.LossContext
	training bool
	seed     int64

	lastTokens int
}

// Output is the result of a forward pass.
type Output struct {
	Logits  *tensor.Tensor // [batch, num_classes]
	AuxLoss float32        // sum of every routed layer's penalty
}

type options struct {
	seed        int64
	lossCtx     *moe.LossContext
	parallelism int
}

// Option configures New.
type Option func(*options)

// WithSeed sets the seed for parameter initialization and every dropout,
// drop-path and routing-noise stream.
func WithSeed(seed int64) Option { return func(o *options) { o.seed = seed } }

// WithLossContext attaches an accumulator. Forward resets it first and adds
// the auxiliary loss last.
func WithLossContext(ctx *moe.LossContext) Option { return func(o *options) { o.lossCtx = ctx } }

// WithParallelism bounds the number of experts evaluated concurrently per
// MoE layer; 0 means one goroutine per expert.
func WithParallelism(n int) Option { return func(o *options) { o.parallelism = n } }

// New validates cfg and builds the model. The model starts in training mode.
func New(cfg Config, opts ...Option) (*ViTMoE, error) {
	o := options{seed: 42}
	for _, opt := range opts {
		opt(&o)
	}
	experts, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(o.seed))
	m := &ViTMoE{
		cfg:     cfg,
		experts: experts,
		patch: layer.NewPatchEmbedding(layer.PatchConfig{
			ImgSize:   cfg.ImgSize,
			PatchSize: cfg.PatchSize,
			InChans:   cfg.InChans,
			HiddenDim: cfg.HiddenSize,
		}, rng),
		embedDrop: layer.NewDropout(cfg.DropRate, layer.DeriveSeed(o.seed, 0)),
		lossCtx:   o.lossCtx,
		training:  true,
		seed:      o.seed,
	}
	m.layers, err = buildStack(cfg, experts, o, rng)
	if err != nil {
		return nil, err
	}
	m.norm = layer.NewLayerNorm(cfg.HiddenSize, 1e-6)
	m.head = layer.NewZeroLinear(cfg.HiddenSize, cfg.NumClasses)
	return m, nil
}

// buildStack creates depth layers: dense feed-forward at even indices,
// routed at odd ones.
func buildStack(cfg Config, experts []int, o options, rng *rand.Rand) ([]*TransformerLayer, error) {
	schedule := DropPathSchedule(cfg.Depth, cfg.DropPath)
	mlpCfg := layer.MLPConfig{HiddenDim: cfg.HiddenSize, FFNDim: cfg.DFF, DropRate: cfg.DropRate}
	noise := moe.NoiseGaussian
	if cfg.UseResidual {
		noise = moe.NoiseJitter
	}

	layers := make([]*TransformerLayer, cfg.Depth)
	for i := range layers {
		attn := layer.NewSelfAttention(layer.AttentionConfig{
			HiddenDim:     cfg.HiddenSize,
			NumHeads:      cfg.NumHeads,
			DKV:           cfg.DKV,
			AttentionDrop: cfg.AttentionDrop,
			DropRate:      cfg.DropRate,
		}, rng)

		var ffn FeedForward
		if i%2 == 0 {
			ffn = NewDenseFeedForward(layer.NewMLP(mlpCfg, rng))
		} else {
			n := experts[i/2]
			module, err := moe.NewModule(moe.ModuleConfig{
				Router: moe.RouterConfig{
					HiddenDim:           cfg.HiddenSize,
					NumExperts:          n,
					TopK:                cfg.TopK(),
					CapacityFactorTrain: cfg.CapacityFactorTrain,
					CapacityFactorEval:  cfg.CapacityFactorEval,
					MinCapacity:         cfg.MinCapacity,
					Noise:               noise,
					DropTokens:          cfg.DropTokens,
				},
				UseResidual: cfg.UseResidual,
			}, moe.BuildExperts(n, mlpCfg, rng), rng)
			if err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
			module.SetParallelism(o.parallelism)
			ffn = NewRoutedFeedForward(module)
		}
		layers[i] = newTransformerLayer(i, attn, ffn, cfg.HiddenSize, schedule[i], cfg.Checkpoint, layer.DeriveSeed(o.seed, i+1))
	}
	return layers, nil
}

// Forward classifies images [batch, in_chans, img_size, img_size].
func (m *ViTMoE) Forward(images *tensor.Tensor) Output {
	if m.lossCtx != nil {
		m.lossCtx.ResetLoss()
	}
	x := m.embedDrop.Forward(m.patch.Forward(images))

	var aux float32
	for _, l := range m.layers {
		x, aux = l.Forward(x, aux)
	}

	x = m.norm.Forward(x)
	m.lastTokens = x.Shape().At(1)
	logits := m.head.Forward(x.MeanAxis1())

	if m.lossCtx != nil {
		m.lossCtx.AddLoss(aux)
	}
	return Output{Logits: logits, AuxLoss: aux}
}

// Backward propagates dL/dlogits and dL/daux through the model, accumulating
// parameter gradients, and returns dL/dimages. Every routed layer receives
// dAux since the auxiliary loss is the plain sum of their penalties.
func (m *ViTMoE) Backward(gradLogits *tensor.Tensor, dAux float32) *tensor.Tensor {
	if m.lastTokens == 0 {
		panic("backward called before forward")
	}
	gradPooled := m.head.Backward(gradLogits)
	batch, d, s := gradPooled.Shape().At(0), m.cfg.HiddenSize, m.lastTokens

	grad := tensor.Zeros(batch, s, d)
	g, gp := grad.DataPtr(), gradPooled.DataPtr()
	inv := 1 / float32(s)
	for b := 0; b < batch; b++ {
		for t := 0; t < s; t++ {
			row := g[(b*s+t)*d : (b*s+t+1)*d]
			for k := range row {
				row[k] = gp[b*d+k] * inv
			}
		}
	}

	grad = m.norm.Backward(grad)
	for i := len(m.layers) - 1; i >= 0; i-- {
		grad = m.layers[i].Backward(grad, dAux)
	}
	return m.patch.Backward(m.embedDrop.Backward(grad))
}

// SetTraining switches every dropout, drop-path and router between training
// and evaluation behavior.
func (m *ViTMoE) SetTraining(training bool) {
	m.training = training
	m.embedDrop.SetTraining(training)
	for _, l := range m.layers {
		l.SetTraining(training)
	}
}

// Training reports the current mode.
func (m *ViTMoE) Training() bool { return m.training }

// Reseed restarts every random stream of the model from seed.
func (m *ViTMoE) Reseed(seed int64) {
	m.seed = seed
	m.embedDrop.Reseed(layer.DeriveSeed(seed, 0))
	for i, l := range m.layers {
		l.Reseed(layer.DeriveSeed(seed, i+1))
	}
}

// ReleaseCache drops every activation kept for backward.
func (m *ViTMoE) ReleaseCache() {
	m.patch.ReleaseCache()
	m.embedDrop.ReleaseCache()
	for _, l := range m.layers {
		l.ReleaseCache()
	}
	m.norm.ReleaseCache()
	m.head.ReleaseCache()
	m.lastTokens = 0
}

// ZeroGrad clears the gradient of every parameter.
func (m *ViTMoE) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// Config returns the configuration the model was built from.
func (m *ViTMoE) Config() Config { return m.cfg }

// ExpertCounts returns the normalized expert count of every MoE layer.
func (m *ViTMoE) ExpertCounts() []int { return append([]int(nil), m.experts...) }

// Layers returns the layer stack in order.
func (m *ViTMoE) Layers() []*TransformerLayer { return m.layers }

// Head returns the classifier.
func (m *ViTMoE) Head() *layer.Linear { return m.head }

// LossContext returns the attached accumulator, if any.
func (m *ViTMoE) LossContext() *moe.LossContext { return m.lossCtx }

// NamedParameters returns every parameter with its state-dict name:
// patch_embed.*, blocks.<i>.*, norm.*, head.*.
func (m *ViTMoE) NamedParameters() []layer.Param {
	ps := m.patch.NamedParameters("patch_embed")
	for i, l := range m.layers {
		ps = append(ps, l.NamedParameters(fmt.Sprintf("blocks.%d", i))...)
	}
	ps = append(ps, m.norm.NamedParameters("norm")...)
	return append(ps, m.head.NamedParameters("head")...)
}

// Parameters returns every trainable tensor in state-dict order.
func (m *ViTMoE) Parameters() []*tensor.Tensor { return layer.Tensors(m.NamedParameters()) }

// StateDict maps parameter names to tensors in a stable order.
func (m *ViTMoE) StateDict() *orderedmap.OrderedMap[string, *tensor.Tensor] {
	sd := orderedmap.New[string, *tensor.Tensor]()
	for _, p := range m.NamedParameters() {
		sd.Set(p.Name, p.Tensor)
	}
	return sd
}

// NumParams returns the number of scalar parameters.
func (m *ViTMoE) NumParams() int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Shape().Numel()
	}
	return n
}
