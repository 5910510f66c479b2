package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/crop-disease-api/internal/handlers"
	"github.com/Brownie44l1/crop-disease-api/internal/predictor"
	"github.com/Brownie44l1/crop-disease-api/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := handlers.NewHandler(predictor.NewMockPredictor(nil, 5), store.NewMemoryStore(), nil, handlers.Options{})
	srv := httptest.NewServer(handlers.NewRouter(h, nil))
	t.Cleanup(srv.Close)
	return NewClient(ClientOpts{BaseURL: srv.URL})
}

func leafPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 60, 140, 50, 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	c := newServer(t)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, predictor.SourceMock, h.Predictor)
}

func TestPredictAndHistory(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "leaf.png")
	require.NoError(t, os.WriteFile(path, leafPNG(t), 0o644))

	first, err := c.PredictFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "leaf.png", first.Filename)
	assert.Contains(t, predictor.MockLabels, first.Prediction)
	assert.NotEmpty(t, first.Treatments)

	second, err := c.PredictBase64(ctx, base64.StdEncoding.EncodeToString(leafPNG(t)))
	require.NoError(t, err)
	assert.Equal(t, "base64_image.png", second.Filename)

	list, err := c.ListPredictions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	list, err = c.ListPredictions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	got, err := c.GetPrediction(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Prediction, got.Prediction)
}

func TestErrorsCarryDetail(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	_, err := c.GetPrediction(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "Prediction not found", apiErr.Detail)

	_, err = c.PredictBytes(ctx, "leaf.png", []byte("garbage"))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestTreatments(t *testing.T) {
	c := newServer(t)
	tr, err := c.Treatments(context.Background(), "powdery")
	require.NoError(t, err)
	assert.True(t, tr.Known)
	assert.NotEmpty(t, tr.Treatments)
}
