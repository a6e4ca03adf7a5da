package images

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/articlegen/internal/config"
)

func TestPlaceholder_WireFormat(t *testing.T) {
	p := Placeholder{Position: "after_intro", Context: "朝日の中でヨガ", AltHint: "朝ヨガ"}
	want := `<!-- IMAGE_PLACEHOLDER: position="after_intro" context="朝日の中でヨガ" alt_hint="朝ヨガ" -->`
	if got := p.String(); got != want {
		t.Fatalf("String() = %s", got)
	}
}

func TestPlaceholder_RoundTrip(t *testing.T) {
	in := []Placeholder{
		{Position: "top", Context: "A & B <b>", AltHint: `say "hi"`},
		{Position: "", Context: "", AltHint: ""},
		{Position: "h2-3", Context: "猫のポーズ", AltHint: "猫"},
	}
	doc := "<p>x</p>"
	for _, p := range in {
		doc += p.String() + "<p>y</p>"
	}
	got := ExtractPlaceholders(doc)
	if len(got) != len(in) {
		t.Fatalf("extracted %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("placeholder %d: got %+v want %+v", i, got[i], in[i])
		}
		if got[i].String() != in[i].String() {
			t.Fatalf("wire format not stable for %+v", in[i])
		}
	}
}

func TestExtractPlaceholders_ToleratesSpacingAndIgnoresOtherComments(t *testing.T) {
	doc := `<!-- note --><!--IMAGE_PLACEHOLDER:  position="a"  context="b"   alt_hint="c"-->`
	got := ExtractPlaceholders(doc)
	if len(got) != 1 || got[0] != (Placeholder{Position: "a", Context: "b", AltHint: "c"}) {
		t.Fatalf("got %+v", got)
	}
	if ExtractPlaceholders("<p>none</p>") != nil {
		t.Fatalf("expected nil for no placeholders")
	}
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWebhookEmitter_RetriesUntilSuccess(t *testing.T) {
	var calls int32
	var got Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	e := NewWebhookEmitter(config.ImagesConfig{WebhookURL: ts.URL, Retries: 3, Backoff: 10 * time.Millisecond}, quiet())
	req := Request{ArticleID: "a1", JobID: "j1", ArticleTitle: "朝ヨガ", ImagePlaceholders: []Placeholder{{Position: "p"}}}
	if err := e.Emit(context.Background(), req); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d", calls)
	}
	if got.JobID != "j1" || got.ArticleID != "a1" || len(got.ImagePlaceholders) != 1 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestWebhookEmitter_GivesUp(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()

	e := NewWebhookEmitter(config.ImagesConfig{WebhookURL: ts.URL, Retries: 2, Backoff: time.Millisecond}, quiet())
	if err := e.Emit(context.Background(), Request{JobID: "j"}); err == nil {
		t.Fatalf("expected error after retries")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestNewEmitter_SelectsByConfig(t *testing.T) {
	if _, ok := NewEmitter(config.ImagesConfig{}, quiet()).(*LogEmitter); !ok {
		t.Fatalf("expected log emitter without webhook url")
	}
	if _, ok := NewEmitter(config.ImagesConfig{WebhookURL: "http://x"}, quiet()).(*WebhookEmitter); !ok {
		t.Fatalf("expected webhook emitter")
	}
}
