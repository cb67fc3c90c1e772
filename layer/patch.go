// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import (
	"fmt"
	"math/rand"

	"github.com/fumi-engineer/vitmoe/tensor"
)

// PatchEmbedding turns an image batch into a token sequence.
//
// The image is cut into non-overlapping patch x patch squares. Each square
// is flattened in (channel, row, col) order and projected to the hidden
// width, which is the same map as a convolution with kernel = stride = patch.
// A learnable class token is prepended and a learnable position embedding
// is added:
//
//	[B, C, H, W] -> [B, 1 + (H/p)*(W/p), hidden]
type PatchEmbedding struct {
	imgSize, patchSize, inChans int
	hiddenDim                   int
	gridSize, numPatches        int

	proj     *Linear        // [hidden, C*p*p]
	clsToken *tensor.Tensor // [hidden]
	posEmbed *tensor.Tensor // [numPatches+1, hidden]

	lastBatch int
}

// PatchConfig configures PatchEmbedding.
type PatchConfig struct {
	ImgSize   int
	PatchSize int
	InChans   int
	HiddenDim int
}

// NewPatchEmbedding creates the embedding. The class token starts at zero
// and the position embedding is drawn from N(0, 0.02^2).
func NewPatchEmbedding(cfg PatchConfig, rng *rand.Rand) *PatchEmbedding {
	grid := cfg.ImgSize / cfg.PatchSize
	patchDim := cfg.InChans * cfg.PatchSize * cfg.PatchSize
	return &PatchEmbedding{
		imgSize:    cfg.ImgSize,
		patchSize:  cfg.PatchSize,
		inChans:    cfg.InChans,
		hiddenDim:  cfg.HiddenDim,
		gridSize:   grid,
		numPatches: grid * grid,
		proj:       NewLinear(patchDim, cfg.HiddenDim, true, rng),
		clsToken:   tensor.Zeros(cfg.HiddenDim),
		posEmbed:   tensor.Normal(tensor.NewShape(grid*grid+1, cfg.HiddenDim), 0.02, rng),
	}
}

// NumTokens returns the sequence length produced per image (patches + class token).
func (p *PatchEmbedding) NumTokens() int { return p.numPatches + 1 }

// Forward embeds images of shape [B, C, H, W].
func (p *PatchEmbedding) Forward(images *tensor.Tensor) *tensor.Tensor {
	want := tensor.NewShape(images.Shape().At(0), p.inChans, p.imgSize, p.imgSize)
	if !images.Shape().Equal(want) {
		panic(fmt.Sprintf("patch embedding: image shape %v, want %v", images.Shape(), want))
	}
	batch := want.At(0)
	p.lastBatch = batch

	patchDim := p.inChans * p.patchSize * p.patchSize
	patches := tensor.Zeros(batch*p.numPatches, patchDim)
	p.foldPatches(images.DataPtr(), patches.DataPtr(), batch, false)

	emb := p.proj.Forward(patches).DataPtr()
	seq := p.NumTokens()
	out := tensor.Zeros(batch, seq, p.hiddenDim)
	o, cls, pos := out.DataPtr(), p.clsToken.DataPtr(), p.posEmbed.DataPtr()
	d := p.hiddenDim
	for b := 0; b < batch; b++ {
		row := o[b*seq*d : b*seq*d+d]
		for i := range row {
			row[i] = cls[i] + pos[i]
		}
		for n := 0; n < p.numPatches; n++ {
			dst := o[(b*seq+1+n)*d : (b*seq+2+n)*d]
			src := emb[(b*p.numPatches+n)*d : (b*p.numPatches+n+1)*d]
			pr := pos[(1+n)*d : (2+n)*d]
			for i := range dst {
				dst[i] = src[i] + pr[i]
			}
		}
	}
	return out
}

// Backward accumulates gradients for the projection, class token and
// position embedding, and returns the gradient w.r.t. the image pixels.
func (p *PatchEmbedding) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	batch, seq, d := p.lastBatch, p.NumTokens(), p.hiddenDim
	g := gradOutput.DataPtr()

	dPos := make([]float32, seq*d)
	dCls := make([]float32, d)
	gradEmb := tensor.Zeros(batch*p.numPatches, d)
	ge := gradEmb.DataPtr()
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			src := g[(b*seq+t)*d : (b*seq+t+1)*d]
			dp := dPos[t*d : (t+1)*d]
			for i, v := range src {
				dp[i] += v
			}
			if t == 0 {
				for i, v := range src {
					dCls[i] += v
				}
				continue
			}
			copy(ge[(b*p.numPatches+t-1)*d:], src)
		}
	}
	p.posEmbed.AccumulateGrad(dPos)
	p.clsToken.AccumulateGrad(dCls)

	gradPatches := p.proj.Backward(gradEmb)
	gradImages := tensor.Zeros(batch, p.inChans, p.imgSize, p.imgSize)
	p.foldPatches(gradImages.DataPtr(), gradPatches.DataPtr(), batch, true)
	return gradImages
}

// foldPatches moves pixels between image layout [B, C, H, W] and patch
// layout [B*numPatches, C*p*p]. With toImage false it unfolds img into
// patches; with toImage true it adds patches back into img.
func (p *PatchEmbedding) foldPatches(img, patches []float32, batch int, toImage bool) {
	ps, g, hw := p.patchSize, p.gridSize, p.imgSize
	patchDim := p.inChans * ps * ps
	for b := 0; b < batch; b++ {
		for gy := 0; gy < g; gy++ {
			for gx := 0; gx < g; gx++ {
				row := patches[(b*p.numPatches+gy*g+gx)*patchDim:]
				for c := 0; c < p.inChans; c++ {
					for i := 0; i < ps; i++ {
						imgOff := ((b*p.inChans+c)*hw+gy*ps+i)*hw + gx*ps
						patchOff := (c*ps + i) * ps
						if toImage {
							for j := 0; j < ps; j++ {
								img[imgOff+j] += row[patchOff+j]
							}
						} else {
							copy(row[patchOff:patchOff+ps], img[imgOff:imgOff+ps])
						}
					}
				}
			}
		}
	}
}

// Parameters returns the projection, class token and position embedding.
func (p *PatchEmbedding) Parameters() []*tensor.Tensor { return Tensors(p.NamedParameters("")) }

// NamedParameters returns proj.*, cls_token and pos_embed.
func (p *PatchEmbedding) NamedParameters(prefix string) []Param {
	ps := p.proj.NamedParameters(Join(prefix, "proj"))
	return append(ps,
		Param{Join(prefix, "cls_token"), p.clsToken},
		Param{Join(prefix, "pos_embed"), p.posEmbed},
	)
}

func (p *PatchEmbedding) ReleaseCache() { p.proj.ReleaseCache() }
