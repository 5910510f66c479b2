package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/Brownie44l1/crop-disease-api/internal/predictor"
	"github.com/Brownie44l1/crop-disease-api/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func leafPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 40, 150, 50, 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	router *gin.Engine
	store  *store.MemoryStore
}

func newFixture(t *testing.T, p predictor.Predictor, opts Options) fixture {
	t.Helper()
	s := store.NewMemoryStore()
	h := NewHandler(p, s, nil, opts)
	return fixture{router: NewRouter(h, []string{"*"}), store: s}
}

func (f fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func upload(t *testing.T, f fixture, field, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, field, filename, contentType, data)
	req := httptest.NewRequest(http.MethodPost, "/api/predictions/crop-disease", body)
	req.Header.Set("Content-Type", ct)
	return f.do(req)
}

func decodeRecord(t *testing.T, w *httptest.ResponseRecorder) store.Record {
	t.Helper()
	var rec store.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec), w.Body.String())
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, predictor.NewMockPredictor(nil, 1), Options{})
	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","predictor":"mock"}`, w.Body.String())
}

func TestPredictUpload(t *testing.T) {
	uploads := t.TempDir()
	f := newFixture(t, predictor.NewMockPredictor(nil, 1), Options{UploadDir: uploads})

	w := upload(t, f, "file", "leaf.png", "image/png", leafPNG(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec := decodeRecord(t, w)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "leaf.png", rec.Filename)
	assert.Contains(t, predictor.MockLabels, rec.Prediction)
	assert.Equal(t, model.DefaultCatalog().TreatmentsFor(rec.Prediction), rec.Treatments)
	assert.Equal(t, predictor.SourceMock, rec.Source)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Contains(t, raw, "possible_treatments")
	assert.Contains(t, raw, "created_at")

	stored, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Prediction, stored.Prediction)

	kept, err := filepath.Glob(filepath.Join(uploads, "*_leaf.png"))
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	w = upload(t, f, "image", "other.png", "image/png", leafPNG(t))
	assert.Equal(t, http.StatusOK, w.Code, "legacy field name")
}

func TestPredictUploadRejectsBadInput(t *testing.T) {
	f := newFixture(t, predictor.NewMockPredictor(nil, 1), Options{})

	w := upload(t, f, "file", "notes.txt", "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = upload(t, f, "file", "broken.png", "image/png", []byte("not a png"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = upload(t, f, "attachment", "leaf.png", "image/png", leafPNG(t))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	all, err := f.store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPredictUploadTooLarge(t *testing.T) {
	f := newFixture(t, predictor.NewMockPredictor(nil, 1), Options{MaxUploadBytes: 1 << 10})
	w := upload(t, f, "file", "big.png", "image/png", bytes.Repeat([]byte{0xff}, 8<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestPredictBase64(t *testing.T) {
	uploads := t.TempDir()
	f := newFixture(t, predictor.NewMockPredictor(nil, 2), Options{UploadDir: uploads})
	encoded := base64.StdEncoding.EncodeToString(leafPNG(t))

	for _, payload := range []string{encoded, "data:image/png;base64," + encoded} {
		body, err := json.Marshal(Base64Request{ImageBase64: payload})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/predictions/crop-disease-base64", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := f.do(req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		rec := decodeRecord(t, w)
		assert.Equal(t, "base64_image.png", rec.Filename)
		assert.Contains(t, predictor.MockLabels, rec.Prediction)
	}

	kept, err := os.ReadDir(uploads)
	require.NoError(t, err)
	assert.Len(t, kept, 2)

	for _, body := range []string{`{}`, `{"image_base64": "!!!"}`, `{"image_base64": "aGVsbG8="}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/predictions/crop-disease-base64", bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, http.StatusBadRequest, f.do(req).Code, body)
	}
}

func TestPredictWithUnloadedModel(t *testing.T) {
	p := predictor.NewTrainedPredictor(model.New())
	f := newFixture(t, p, Options{})
	w := upload(t, f, "file", "leaf.png", "image/png", leafPNG(t))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPredictWithTrainedModel(t *testing.T) {
	c := model.New(model.WithSeed(1))
	_, err := c.Build(2)
	require.NoError(t, err)
	require.NoError(t, c.SetClassNames([]string{"Healthy", "Rust"}))
	f := newFixture(t, predictor.NewTrainedPredictor(c), Options{})

	w := upload(t, f, "file", "leaf.png", "image/png", leafPNG(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decodeRecord(t, w)
	assert.Contains(t, []string{"Healthy", "Rust"}, rec.Prediction)
	assert.Equal(t, predictor.SourceModel, rec.Source)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, predictor.NewMockPredictor(nil, 3), Options{})
	var ids []string
	for i := 0; i < 3; i++ {
		w := upload(t, f, "file", "leaf.png", "image/png", leafPNG(t))
		require.Equal(t, http.StatusOK, w.Code)
		ids = append(ids, decodeRecord(t, w).ID)
	}

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/predictions?limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []store.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/predictions", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 3)

	assert.Equal(t, http.StatusBadRequest, f.do(httptest.NewRequest(http.MethodGet, "/api/predictions?limit=zero", nil)).Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/predictions/"+ids[0], nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ids[0], decodeRecord(t, w).ID)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/predictions/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTreatments(t *testing.T) {
	f := newFixture(t, predictor.NewMockPredictor(nil, 1), Options{})

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/treatments/RUST", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Label      string   `json:"label"`
		Known      bool     `json:"known"`
		Treatments []string `json:"treatments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Known)
	assert.Equal(t, model.DefaultCatalog().TreatmentsFor("rust"), body.Treatments)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/treatments/Anthracnose", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Known)
	assert.Equal(t, []string{model.DefaultTreatment}, body.Treatments)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, predictor.NewMockPredictor(nil, 1), Options{})
	req := httptest.NewRequest(http.MethodOptions, "/api/predictions/crop-disease", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := f.do(req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(imageutil.ErrDecode))
	assert.Equal(t, http.StatusBadRequest, statusFor(imageutil.ErrUnsupportedMode))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(model.ErrModelNotLoaded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
