package transform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/compile"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
)

func testSequence() compile.Sequence {
	settings := domain.DefaultEditSettings()
	settings.Prompt = "sharpen the logo"
	return compile.Compile(settings, compile.Source{Name: "logo.png", MIME: "image/png"})
}

func TestTransformSendsSequenceAndDecodesResult(t *testing.T) {
	var received transformRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"image":     base64.StdEncoding.EncodeToString([]byte("transformed-bytes")),
			"mime_type": "image/png",
		})
	}))
	defer srv.Close()

	capability, err := NewHTTPCapability(Config{Endpoint: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("new capability: %v", err)
	}

	result, err := capability.Transform(context.Background(), Request{
		SourceBytes: []byte("source-bytes"),
		MimeType:    "image/png",
		Sequence:    testSequence(),
	})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	if string(result.Bytes) != "transformed-bytes" {
		t.Fatalf("unexpected result bytes: %q", result.Bytes)
	}
	if received.MimeType != "image/png" {
		t.Fatalf("expected source mime forwarded, got %q", received.MimeType)
	}
	if len(received.Instructions.Stages) == 0 {
		t.Fatal("expected structured stages in payload")
	}
	if !strings.Contains(received.Instruction, "sharpen the logo") {
		t.Fatalf("expected rendered instruction to lead with prompt, got %q", received.Instruction)
	}
}

func TestTransformSurfacesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "model overloaded"},
		})
	}))
	defer srv.Close()

	capability, err := NewHTTPCapability(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("new capability: %v", err)
	}

	_, err = capability.Transform(context.Background(), Request{
		SourceBytes: []byte("source"),
		MimeType:    "image/png",
		Sequence:    testSequence(),
	})
	if err == nil {
		t.Fatal("expected error from failing service")
	}
	if !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("expected service message surfaced, got %v", err)
	}
}

func TestTransformRejectsEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	capability, err := NewHTTPCapability(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("new capability: %v", err)
	}

	_, err = capability.Transform(context.Background(), Request{
		SourceBytes: []byte("source"),
		MimeType:    "image/png",
		Sequence:    testSequence(),
	})
	if err != ErrNoResult {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}
}

func TestNewHTTPCapabilityRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPCapability(Config{}); err != ErrMissingEndpoint {
		t.Fatalf("expected ErrMissingEndpoint, got %v", err)
	}
}
