// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package server exposes a ViT-MoE classifier over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/fumi-engineer/vitmoe/envconfig"
	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/tensor"
	"github.com/fumi-engineer/vitmoe/version"
	"github.com/fumi-engineer/vitmoe/vision"
)

const (
	defaultTopK  = 5
	maxImageSize = 32 << 20
)

// Server serializes classification requests onto one model.
type Server struct {
	mu     sync.Mutex
	model  *model.ViTMoE
	labels []string
	opts   vision.Options
}

// New puts m in evaluation mode and wraps it. labels, if non-empty, names
// the classes in index order.
func New(m *model.ViTMoE, labels []string) (*Server, error) {
	cfg := m.Config()
	if len(labels) > 0 && len(labels) != cfg.NumClasses {
		return nil, fmt.Errorf("server: %d labels for %d classes", len(labels), cfg.NumClasses)
	}
	m.SetTraining(false)
	return &Server{
		model:  m,
		labels: labels,
		opts:   vision.DefaultOptions(cfg.ImgSize, cfg.InChans),
	}, nil
}

// ClassScore is one ranked class in a classify response.
type ClassScore struct {
	Index int     `json:"index"`
	Label string  `json:"label,omitempty"`
	Score float32 `json:"score"`
}

// ClassifyResponse holds one prediction list per submitted image.
type ClassifyResponse struct {
	Predictions [][]ClassScore `json:"predictions"`
	AuxLoss     float32        `json:"aux_loss"`
}

// GenerateRoutes builds the HTTP handler.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With"}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "vitmoe is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "vitmoe is running") })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/model", s.ModelHandler)
	r.POST("/api/classify", s.ClassifyHandler)
	return r
}

// ModelHandler reports the model summary.
func (s *Server) ModelHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.model.Summary())
}

// ClassifyHandler accepts either multipart "image" files or a single raw
// image body and returns the top classes for each image.
func (s *Server) ClassifyHandler(c *gin.Context) {
	k := defaultTopK
	if q := c.Query("top"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid top %q", q)})
			return
		}
		k = n
	}

	blobs, err := readImages(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	per := s.opts.Channels * s.opts.Size * s.opts.Size
	data := make([]float32, 0, len(blobs)*per)
	for i, b := range blobs {
		img, err := vision.FromBytes(b, s.opts)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("image %d: %v", i, err)})
			return
		}
		data = append(data, img...)
	}
	images := tensor.FromSliceNoCopy(data, tensor.NewShape(len(blobs), s.opts.Channels, s.opts.Size, s.opts.Size))

	s.mu.Lock()
	out := s.model.Forward(images)
	s.model.ReleaseCache()
	s.mu.Unlock()

	resp := ClassifyResponse{AuxLoss: out.AuxLoss}
	for _, row := range model.Predict(out.Logits, k) {
		scores := make([]ClassScore, len(row))
		for i, p := range row {
			scores[i] = ClassScore{Index: p.Index, Score: p.Score}
			if s.labels != nil {
				scores[i].Label = s.labels[p.Index]
			}
		}
		resp.Predictions = append(resp.Predictions, scores)
	}
	slog.Debug("classified", "images", len(blobs), "aux_loss", out.AuxLoss)
	c.JSON(http.StatusOK, resp)
}

func readImages(c *gin.Context) ([][]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImageSize)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, err
		}
		files := form.File["image"]
		if len(files) == 0 {
			return nil, errors.New("missing image field")
		}
		blobs := make([][]byte, len(files))
		for i, fh := range files {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			blobs[i], err = io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, err
			}
		}
		return blobs, nil
	}

	b, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty request body")
	}
	return [][]byte{b}, nil
}

// Serve handles requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srvr := &http.Server{Handler: s.GenerateRoutes()}
	go func() {
		<-ctx.Done()
		srvr.Close()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	if err := srvr.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
