// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/version"
)

func newTestServer(t *testing.T, labels []string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, err := model.New(model.TinyConfig())
	require.NoError(t, err)
	s, err := New(m, labels)
	require.NoError(t, err)
	assert.False(t, m.Training())
	return s.GenerateRoutes()
}

func pngBytes(t *testing.T, c color.Gray) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 12, 12))
	for i := range img.Pix {
		img.Pix[i] = c.Y
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestVersionAndModel(t *testing.T) {
	h := newTestServer(t, nil)

	w := do(h, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var v map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, version.Version, v["version"])

	w = do(h, httptest.NewRequest(http.MethodGet, "/api/model", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var s model.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Len(t, s.Layers, 2)
	assert.Equal(t, "dense", s.Layers[0].Kind)
	assert.Equal(t, "moe", s.Layers[1].Kind)
	assert.Greater(t, s.NumParams, 0)
}

func TestClassifyRawBody(t *testing.T) {
	h := newTestServer(t, []string{"a", "b", "c", "d"})
	req := httptest.NewRequest(http.MethodPost, "/api/classify?top=3", bytes.NewReader(pngBytes(t, color.Gray{200})))
	req.Header.Set("Content-Type", "image/png")
	w := do(h, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Predictions, 1)
	require.Len(t, resp.Predictions[0], 3)
	// The classification head starts at zero, so every class scores 1/4 and
	// ties rank by index.
	for i, p := range resp.Predictions[0] {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, string(rune('a'+i)), p.Label)
		assert.InDelta(t, 0.25, p.Score, 1e-6)
	}
	assert.GreaterOrEqual(t, resp.AuxLoss, float32(0))
}

func TestClassifyMultipart(t *testing.T) {
	h := newTestServer(t, nil)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, c := range []color.Gray{{0}, {255}} {
		fw, err := mw.CreateFormFile("image", "x.png")
		require.NoError(t, err)
		_, err = fw.Write(pngBytes(t, c))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/classify", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := do(h, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Predictions, 2)
	for _, row := range resp.Predictions {
		assert.Len(t, row, 4, "top defaults to 5, capped at the class count")
		assert.Empty(t, row[0].Label)
	}
}

func TestClassifyErrors(t *testing.T) {
	h := newTestServer(t, nil)
	cases := []struct {
		name string
		url  string
		body []byte
	}{
		{"empty body", "/api/classify", nil},
		{"not an image", "/api/classify", []byte("hello")},
		{"bad top", "/api/classify?top=zero", pngBytes(t, color.Gray{1})},
		{"negative top", "/api/classify?top=-1", pngBytes(t, color.Gray{1})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(h, httptest.NewRequest(http.MethodPost, tc.url, bytes.NewReader(tc.body)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var e map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
			assert.NotEmpty(t, e["error"])
		})
	}

	w := do(h, httptest.NewRequest(http.MethodGet, "/api/classify", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestNewRejectsLabelCount(t *testing.T) {
	m, err := model.New(model.TinyConfig())
	require.NoError(t, err)
	_, err = New(m, []string{"only one"})
	assert.Error(t, err)
}
