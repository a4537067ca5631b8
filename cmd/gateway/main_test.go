package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"retailops.org/internal/auth"
	"retailops.org/internal/edge"
)

func TestHandlerProbesAndProxies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path+" "+r.Header.Get("Authorization"))
	}))
	defer upstream.Close()

	gw, err := edge.NewGateway(map[string]string{"/v1": upstream.URL}, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	front := httptest.NewServer(handler(gw, edge.NewRateLimiter(100, 100)))
	defer front.Close()

	resp, err := http.Get(front.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, front.URL+"/v1/auth/me", nil)
	req.Header.Set("Authorization", "bearer tok")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if got := string(body); got != "/v1/auth/me Bearer tok" {
		t.Fatalf("unexpected upstream echo %q", got)
	}
}

func TestHandlerRelaysBeforeLimiting(t *testing.T) {
	var tokens []string
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, _ := auth.TokenFromContext(r.Context())
		tokens = append(tokens, tok+"|"+r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	})
	h := handler(proxy, edge.NewRateLimiter(1, 1))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
		req.RemoteAddr = "192.0.2.7:4000"
		req.Header.Set("Authorization", "BEARER tok")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
	if len(tokens) != 1 || tokens[0] != "tok|Bearer tok" {
		t.Fatalf("proxy must see the relayed token, got %v", tokens)
	}
}
