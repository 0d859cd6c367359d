package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendSignsPayload(t *testing.T) {
	secret := "test-secret"

	var gotSignature, gotTimestamp, gotEvent string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(HeaderSignature)
		gotTimestamp = r.Header.Get(HeaderTimestamp)
		gotEvent = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{SigningSecret: secret, MaxAttempts: 1})
	payload := RunEvent{BatchID: "b-1", Event: EventRunStarted}
	if err := client.Send(context.Background(), server.URL, EventRunStarted, payload); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	if gotEvent != EventRunStarted {
		t.Fatalf("event header = %q, want %q", gotEvent, EventRunStarted)
	}
	if gotTimestamp == "" {
		t.Fatal("timestamp header missing")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTimestamp))
	mac.Write([]byte("."))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Fatalf("signature = %q, want %q", gotSignature, want)
	}
}

func TestSendRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(Config{
		SigningSecret:  "s",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	if err := client.Send(context.Background(), server.URL, EventRunCompleted, RunEvent{BatchID: "b-1"}); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(Config{
		SigningSecret:  "s",
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	err := client.Send(context.Background(), server.URL, EventRunProgress, RunEvent{BatchID: "b-1"})
	if err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
}

func TestSendSkipsEmptyEndpoint(t *testing.T) {
	client := NewClient(Config{SigningSecret: "s"})
	if err := client.Send(context.Background(), "  ", EventRunStarted, RunEvent{}); err != nil {
		t.Fatalf("Send with empty endpoint returned error: %v", err)
	}
}
