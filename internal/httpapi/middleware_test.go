package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"retailops.org/internal/audit"
	"retailops.org/internal/obs"
)

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "req-42" || rr.Header().Get(requestIDHeader) != "req-42" {
		t.Fatalf("expected caller id to be kept, got ctx=%q header=%q", seen, rr.Header().Get(requestIDHeader))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "req-42" || rr.Header().Get(requestIDHeader) != seen {
		t.Fatalf("expected generated id, got %q", seen)
	}
}

func TestRecoverAnswers500(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	h := RequestID(Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/explode", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in body, got %v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log, got %s", buf.String())
	}
}

func TestLoggingEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	h := RequestID(Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/brew", nil))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log entry: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "request_complete" || entry["path"] != "/brew" || entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["request_id"] == "" {
		t.Fatal("expected request_id in log entry")
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" || rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing hardening headers: %v", rr.Header())
	}
}

func TestMaxBodyBytesRejectsLargeBodies(t *testing.T) {
	h := MaxBodyBytes(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]any
		if err := decodeJSON(r, &v); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"key":"a much longer value"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
