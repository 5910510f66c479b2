// Package client talks to a running crop disease API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Brownie44l1/crop-disease-api/internal/store"
	"github.com/go-resty/resty/v2"
)

const DefaultBaseURL = "http://localhost:8080"

type ClientOpts struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	httpClient *resty.Client
	baseURL    string
}

func NewClient(opts ClientOpts) *Client {
	c := Client{baseURL: DefaultBaseURL}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.httpClient = resty.New().
		SetBaseURL(c.baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &c
}

// APIError is a non-2xx response. Detail carries the server's message.
type APIError struct {
	Method string
	URL    string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("request failed: %s %s (status: %d): %s", e.Method, e.URL, e.Status, e.Detail)
	}
	return fmt.Sprintf("request failed: %s %s (status: %d)", e.Method, e.URL, e.Status)
}

type errorBody struct {
	Detail string `json:"detail"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Predictor string `json:"predictor"`
}

type TreatmentsResponse struct {
	Label      string   `json:"label"`
	Known      bool     `json:"known"`
	Treatments []string `json:"treatments"`
}

func (c *Client) req(ctx context.Context, result any) *resty.Request {
	request := c.httpClient.
		NewRequest().
		SetContext(ctx).
		SetError(&errorBody{})

	if result != nil {
		request.SetResult(result)
	}

	return request
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	result := &HealthResponse{}
	_, err := handleError(c.req(ctx, result).Get("/health"))
	return *result, err
}

// PredictFile uploads the image at path.
func (c *Client) PredictFile(ctx context.Context, path string) (store.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.Record{}, err
	}
	return c.PredictBytes(ctx, filepath.Base(path), data)
}

// PredictBytes uploads data as a multipart file named filename. The part's
// content type comes from the extension, falling back to sniffing.
func (c *Client) PredictBytes(ctx context.Context, filename string, data []byte) (store.Record, error) {
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	result := &store.Record{}
	_, err := handleError(c.req(ctx, result).
		SetMultipartField("file", filename, contentType, bytes.NewReader(data)).
		Post("/api/predictions/crop-disease"))

	return *result, err
}

// PredictBase64 sends an already encoded image, optionally as a data URL.
func (c *Client) PredictBase64(ctx context.Context, encoded string) (store.Record, error) {
	result := &store.Record{}
	_, err := handleError(c.req(ctx, result).
		SetBody(map[string]string{"image_base64": encoded}).
		Post("/api/predictions/crop-disease-base64"))

	return *result, err
}

// ListPredictions returns the newest records first. limit <= 0 uses the
// server default.
func (c *Client) ListPredictions(ctx context.Context, limit int) ([]store.Record, error) {
	var result []store.Record
	request := c.req(ctx, &result)
	if limit > 0 {
		request.SetQueryParam("limit", strconv.Itoa(limit))
	}
	_, err := handleError(request.Get("/api/predictions"))
	return result, err
}

func (c *Client) GetPrediction(ctx context.Context, id string) (store.Record, error) {
	result := &store.Record{}
	_, err := handleError(c.req(ctx, result).
		SetPathParams(map[string]string{
			"id": id,
		}).
		Get("/api/predictions/{id}"))

	return *result, err
}

func (c *Client) Treatments(ctx context.Context, label string) (TreatmentsResponse, error) {
	result := &TreatmentsResponse{}
	_, err := handleError(c.req(ctx, result).
		SetPathParams(map[string]string{
			"label": label,
		}).
		Get("/api/treatments/{label}"))

	return *result, err
}

// handleError turns failing responses (>399) into an *APIError. Without
// this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		apiErr := &APIError{
			Method: res.Request.Method,
			URL:    res.Request.URL,
			Status: res.StatusCode(),
		}
		if body, ok := res.Error().(*errorBody); ok {
			apiErr.Detail = body.Detail
		}
		return res, apiErr
	}

	return res, nil
}
