package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"discburner/internal/catalog"
	"discburner/internal/services"
)

const burnerID = "6f1c2d9a-0000-4000-8000-000000000001"

type recordedRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newClient(t *testing.T, url string, delays *[]time.Duration) *catalog.Client {
	t.Helper()
	return catalog.NewClient(catalog.Config{
		Endpoint:      url,
		APIKey:        "secret",
		BurnerID:      burnerID,
		RetryAttempts: 3,
	}, catalog.WithSleeper(func(d time.Duration) {
		if delays != nil {
			*delays = append(*delays, d)
		}
	}))
}

func TestQueryNewItemsMapsStudyFields(t *testing.T) {
	var got recordedRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, `{"data":{"downloadIsosByBurner":[
			{"id":"iso-1","fileUrl":"https://files.example.org/iso-1",
			 "study":{"patient":{"fullName":"DOE^JANE","identifier":"P1","birthDate":"1980-02-03"},
			          "dicomDateTime":"2026-01-02T03:04:05Z","dicomDescription":"CT Head"}},
			{"id":"","fileUrl":"https://files.example.org/none"}
		]}}`)
	}))
	defer srv.Close()

	items, err := newClient(t, srv.URL, nil).QueryNewItems(context.Background(), nil)
	if err != nil {
		t.Fatalf("QueryNewItems: %v", err)
	}
	if auth != "Token secret" {
		t.Fatalf("unexpected Authorization header %q", auth)
	}
	if !strings.Contains(got.Query, "downloadIsosByBurner") || got.Variables["burner"] != burnerID {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item (id-less item skipped), got %d", len(items))
	}
	item := items[0]
	if item.ID != "iso-1" || item.DownloadURL != "https://files.example.org/iso-1" || item.PatientName != "DOE^JANE" ||
		item.PatientID != "P1" || item.StudyDescription != "CT Head" || item.StudyDateTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected metadata %+v", item)
	}
}

func TestQueryRetriesWithExponentialBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"downloadIsosByBurner":[]}}`)
	}))
	defer srv.Close()

	var delays []time.Duration
	items, err := newClient(t, srv.URL, &delays).QueryNewItems(context.Background(), nil)
	if err != nil {
		t.Fatalf("QueryNewItems: %v", err)
	}
	if len(items) != 0 || calls.Load() != 3 {
		t.Fatalf("expected 3 calls and no items, got %d calls %d items", calls.Load(), len(items))
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("expected 1s,2s backoff, got %v", delays)
	}
}

func TestQueryGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"errors":[{"message":"backend down"}]}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, nil).QueryNewItems(context.Background(), nil)
	if !errors.Is(err, services.ErrTransient) || !strings.Contains(err.Error(), "backend down") {
		t.Fatalf("expected transient error mentioning the graphql message, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, nil).QueryNewItems(context.Background(), nil)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestReportStatus(t *testing.T) {
	var got recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		if got.Variables["isoId"] == "rejected" {
			_, _ = io.WriteString(w, `{"data":{"updateDownloadIsoStatus":{"success":false,"errors":["unknown iso"]}}}`)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"updateDownloadIsoStatus":{"success":true,"errors":[]}}}`)
	}))
	defer srv.Close()
	client := newClient(t, srv.URL, nil)

	if err := client.ReportStatus(context.Background(), "iso-1", catalog.StatusFailed, "Burning timed out"); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if got.Variables["statusBurn"] != "FAILED" || got.Variables["errorMessage"] != "Burning timed out" {
		t.Fatalf("unexpected variables %+v", got.Variables)
	}

	if err := client.ReportStatus(context.Background(), "iso-1", catalog.StatusCompleted, "ignored"); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if got.Variables["errorMessage"] != nil {
		t.Fatalf("expected null error message for completed jobs, got %v", got.Variables["errorMessage"])
	}

	err := client.ReportStatus(context.Background(), "rejected", catalog.StatusCompleted, "")
	if !errors.Is(err, services.ErrExternalTool) || !strings.Contains(err.Error(), "unknown iso") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestUnconfiguredClient(t *testing.T) {
	client := catalog.NewClient(catalog.Config{})
	if client.Configured() {
		t.Fatal("expected unconfigured client")
	}
	if _, err := client.QueryNewItems(context.Background(), nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestTestConnectionHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"__typename":"Query"}}`)
	}))
	defer srv.Close()
	client := newClient(t, srv.URL, nil)
	if err := client.TestConnection(context.Background()); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.TestConnection(ctx); err == nil {
		t.Fatal("expected error for a cancelled context")
	}
}
