package nightscout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mrcode/glucoforecast/internal/models"
)

func TestHashSecret(t *testing.T) {
	result := hashSecret("test")
	expected := "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"

	if result != expected {
		t.Errorf("hashSecret(\"test\") = %s, want %s", result, expected)
	}
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	client := NewClient("https://test.example.com/", "", "", false)

	if client.baseURL != "https://test.example.com" {
		t.Errorf("baseURL = %s, should not have trailing slash", client.baseURL)
	}
}

func TestClient_GetEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/entries/sgv" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}

		entries := []models.GlucoseEntry{
			{SGV: 120, Date: time.Now().UnixMilli()},
			{SGV: 115, Date: time.Now().Add(-5 * time.Minute).UnixMilli()},
			{SGV: 118, Date: time.Now().Add(-10 * time.Minute).UnixMilli()},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	from := time.Now().Add(-1 * time.Hour)
	entries, err := client.GetEntries(context.Background(), from, time.Time{}, 0)

	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Got %d entries, want 3", len(entries))
	}
}

func TestClient_GetTreatments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/treatments" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}

		treatments := []models.Treatment{
			{EventType: "Meal Bolus", Insulin: 4, Carbs: 45, Date: time.Now().UnixMilli()},
			{EventType: "Correction Bolus", Insulin: 1.5, Date: time.Now().Add(-2 * time.Hour).UnixMilli()},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(treatments)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	treatments, err := client.GetTreatmentsHours(context.Background(), time.Now(), 8)

	if err != nil {
		t.Fatalf("GetTreatments() error = %v", err)
	}
	if len(treatments) != 2 {
		t.Errorf("Got %d treatments, want 2", len(treatments))
	}
	if !treatments[0].HasInsulin() || !treatments[0].HasCarbs() {
		t.Error("First treatment should carry insulin and carbs")
	}
}

func TestClient_AuthHeaders_Token(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader != "Bearer testtoken123" {
			t.Errorf("Authorization header = %s, want Bearer testtoken123", authHeader)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "testtoken123", true)
	_ = client.TestConnection(context.Background())
}

func TestClient_AuthHeaders_Secret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secretHeader := r.Header.Get("API-SECRET")
		expectedHash := hashSecret("mysecret")
		if secretHeader != expectedHash {
			t.Errorf("API-SECRET header = %s, want %s", secretHeader, expectedHash)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "mysecret", "", false)
	_ = client.TestConnection(context.Background())
}

func TestClient_ErrorHandling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("Unauthorized"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	err := client.TestConnection(context.Background())

	if err == nil {
		t.Error("Expected error for 401 response")
	}
}

func TestClient_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.GetEntries(ctx, time.Now().Add(-time.Hour), time.Time{}, 0)
	if err == nil {
		t.Error("Expected deadline exceeded error")
	}
}
