package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crmflipbook/internal/collabtoken"
)

const rendererSecret = "0123456789abcdef0123456789abcdef"

func newRendererServer(t *testing.T, handler http.HandlerFunc) *HTTPRenderer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	signer, err := collabtoken.NewSigner(rendererSecret, "flipbook", time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	r, err := NewHTTPRenderer(srv.URL+"/", signer, time.Second)
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	return r
}

func TestHTTPRendererSendsSignedRequests(t *testing.T) {
	verifier, err := collabtoken.NewVerifier(rendererSecret, RendererAudience, []string{"flipbook"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	var gotPage int
	r := newRendererServer(t, func(w http.ResponseWriter, req *http.Request) {
		token, ok := collabtoken.BearerToken(req)
		if !ok {
			http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
			return
		}
		if _, err := verifier.Verify(token); err != nil {
			http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
			return
		}
		var body struct {
			FlipbookID string `json:"flipbookId"`
			PageNumber int    `json:"pageNumber"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		switch req.URL.Path {
		case "/render/optimize":
			_, _ = w.Write([]byte("optimized:" + body.FlipbookID))
		case "/render/pages":
			gotPage = body.PageNumber
			_, _ = w.Write([]byte("page"))
		default:
			http.NotFound(w, req)
		}
	})

	src := SourceDocument{FlipbookID: "fb-1", Attempt: 2, SourceURL: "memory://objects/x", PageCount: 3}
	data, err := r.Optimize(t.Context(), src)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if string(data) != "optimized:fb-1" {
		t.Fatalf("unexpected optimize body %q", data)
	}
	if _, err := r.RenderPage(t.Context(), src, 2); err != nil {
		t.Fatalf("render page: %v", err)
	}
	if gotPage != 2 {
		t.Fatalf("expected page 2 in request, got %d", gotPage)
	}
}

func TestHTTPRendererErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"error body", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"page out of range"}`))
		}, "page out of range"},
		{"status only", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, "503"},
		{"empty body", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}, "empty body"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRendererServer(t, tc.handler)
			_, err := r.Optimize(t.Context(), SourceDocument{FlipbookID: "fb"})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestNewHTTPRendererValidates(t *testing.T) {
	signer, _ := collabtoken.NewSigner(rendererSecret, "flipbook", time.Minute)
	if _, err := NewHTTPRenderer(" ", signer, 0); err == nil {
		t.Fatalf("expected error for empty URL")
	}
	if _, err := NewHTTPRenderer("http://renderer", nil, 0); err == nil {
		t.Fatalf("expected error without signer")
	}
}
