package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusBadRequest, "bad name")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s", ct)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["error"] != "bad name" {
		t.Errorf("error = %q", resp["error"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	if MethodNotAllowed(rec, httptest.NewRequest(http.MethodPost, "/", nil), http.MethodPost) {
		t.Error("POST rejected")
	}
	if !MethodNotAllowed(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.MethodPost) {
		t.Error("GET accepted")
	}
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	s, err := NewEventStream(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Comment("ping"); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(map[string]int{"new_lc": 2}); err != nil {
		t.Fatal(err)
	}

	want := ": ping\n\ndata: {\"new_lc\":2}\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content-type = %s", ct)
	}
	if !rec.Flushed {
		t.Error("stream was not flushed")
	}
}

type noFlush struct{ http.ResponseWriter }

func TestEventStreamNeedsFlusher(t *testing.T) {
	t.Parallel()

	if _, err := NewEventStream(noFlush{httptest.NewRecorder()}); err != ErrStreamingUnsupported {
		t.Errorf("err = %v", err)
	}
}
