package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleNote() Notification {
	return Notification{
		Bucket:         time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC),
		AssetID:        "inv-1",
		ComponentRef:   "SN123",
		Category:       "Thermal",
		Subcategory:    "Overheat",
		Severity:       0.87,
		CompositeScore: 0.72,
		Threshold:      0.6,
		Trend:          "degrading",
		USDPerDay:      decimal.RequireFromString("49.86"),
		FindingIDs:     []string{"inv-1-20250601T100300Z"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("telegram notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "Thermal / Overheat") {
		t.Fatalf("text should carry the diagnosis: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false should return an error")
	}
}

func TestRenderMessage(t *testing.T) {
	msg := RenderMessage(sampleNote())
	for _, want := range []string{"Asset: inv-1", "Component: SN123", "49.86 USD/day", "Trend: degrading"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, Notification) error { return errors.New("boom") }

func TestFanoutJoinsErrors(t *testing.T) {
	f := Fanout{NewLogNotifier(testLogger()), failingNotifier{}}
	err := f.Notify(context.Background(), sampleNote())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if err := (Fanout{NewLogNotifier(testLogger())}).Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("log notifier should not fail: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
