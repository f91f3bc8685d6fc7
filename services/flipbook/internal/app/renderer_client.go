package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crmflipbook/internal/collabtoken"
)

// RendererAudience is the token audience of the rendering collaborator.
const RendererAudience = "renderer"

// maxRenderedBytes caps a single rendered asset.
const maxRenderedBytes = 64 << 20

// SourceDocument identifies the original the renderer works from.
type SourceDocument struct {
	FlipbookID string `json:"flipbookId"`
	Attempt    int    `json:"attempt"`
	SourceURL  string `json:"sourceUrl"`
	PageCount  int    `json:"pageCount"`
}

// Renderer produces the optimized document and page images for a source.
type Renderer interface {
	Optimize(ctx context.Context, src SourceDocument) ([]byte, error)
	RenderPage(ctx context.Context, src SourceDocument, pageNumber int) ([]byte, error)
}

// HTTPRenderer calls the rendering collaborator over HTTP with a signed bearer token.
type HTTPRenderer struct {
	baseURL    string
	signer     *collabtoken.Signer
	httpClient *http.Client
}

func NewHTTPRenderer(baseURL string, signer *collabtoken.Signer, timeout time.Duration) (*HTTPRenderer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("renderer URL required")
	}
	if signer == nil {
		return nil, fmt.Errorf("collaborator signer is required")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPRenderer{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPRenderer) Optimize(ctx context.Context, src SourceDocument) ([]byte, error) {
	return c.post(ctx, "/render/optimize", src)
}

func (c *HTTPRenderer) RenderPage(ctx context.Context, src SourceDocument, pageNumber int) ([]byte, error) {
	payload := struct {
		SourceDocument
		PageNumber int `json:"pageNumber"`
	}{src, pageNumber}
	return c.post(ctx, "/render/pages", payload)
}

func (c *HTTPRenderer) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	token, err := c.signer.Sign(RendererAudience)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("renderer error: %s", msg)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRenderedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read renderer response: %w", err)
	}
	if len(data) > maxRenderedBytes {
		return nil, fmt.Errorf("renderer response exceeds %d bytes", maxRenderedBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("renderer returned an empty body")
	}
	return data, nil
}
