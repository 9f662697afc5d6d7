package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClientValidatesBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected ErrInvalidClientConfig, got %v", err)
	}
	if _, err := NewClient(ClientConfig{BaseURL: "   "}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected ErrInvalidClientConfig for blank url, got %v", err)
	}
}

func TestPostReadingBatchSendsAuthorizedJSONArray(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody []ReadingPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("body is not a JSON array: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	batch := []ReadingPayload{
		{SensorType: "accelerometer", Timestamp: 1700000000000, Data: `{"x":0.1}`},
		{SensorType: "light", Timestamp: 1700000000500, Data: `{"lux":120}`},
	}
	if err := client.PostReadingBatch(context.Background(), "token-abc", batch); err != nil {
		t.Fatalf("failed to post batch: %v", err)
	}

	if gotPath != "/v1/reading/batch" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer token-abc" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type %q", gotContentType)
	}
	if len(gotBody) != 2 || gotBody[0].SensorType != "accelerometer" || gotBody[1].Timestamp != 1700000000500 {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestPostReadingBatchReturnsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "token expired")
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	err = client.PostReadingBatch(context.Background(), "stale-token", []ReadingPayload{{SensorType: "light"}})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized || statusErr.Body != "token expired" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestPostReadingBatchPassesTransportErrorThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	err = client.PostReadingBatch(context.Background(), "token-abc", []ReadingPayload{{SensorType: "light"}})
	if err == nil {
		t.Fatal("expected transport error against closed server")
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		t.Fatalf("transport failure must not be a StatusError, got %v", err)
	}
}

func unsignedToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	encode := func(v any) string {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to encode token segment: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	return encode(header) + "." + encode(claims) + ".c2lnbmF0dXJl"
}

func TestTokenExpiry(t *testing.T) {
	expiry := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)

	got, ok := TokenExpiry(unsignedToken(t, map[string]any{"exp": expiry.Unix()}))
	if !ok {
		t.Fatal("expected expiry to be extracted")
	}
	if !got.Equal(expiry) {
		t.Fatalf("expected %v, got %v", expiry, got)
	}

	if _, ok := TokenExpiry(unsignedToken(t, map[string]any{"sub": "participant-42"})); ok {
		t.Fatal("token without exp claim must report no expiry")
	}
	if _, ok := TokenExpiry("not-a-jwt"); ok {
		t.Fatal("malformed token must report no expiry")
	}
}
