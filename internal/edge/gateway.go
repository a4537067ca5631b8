package edge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"

	"retailops.org/internal/auth"
	"retailops.org/internal/obs"
)

type route struct {
	prefix string
	target *url.URL
	proxy  *httputil.ReverseProxy
}

// Gateway routes requests to upstream services by longest path prefix.
type Gateway struct {
	routes []route
	logger *slog.Logger
}

// NewGateway builds a gateway from prefix → upstream base URL pairs.
func NewGateway(upstreams map[string]string, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = obs.Logger()
	}
	g := &Gateway{logger: logger}
	for prefix, raw := range upstreams {
		prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
		target, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("edge: invalid upstream %q for %s", raw, prefix)
		}
		g.routes = append(g.routes, route{prefix: prefix, target: target, proxy: g.newProxy(prefix, target)})
	}
	sort.Slice(g.routes, func(i, j int) bool { return len(g.routes[i].prefix) > len(g.routes[j].prefix) })
	return g, nil
}

func (g *Gateway) newProxy(prefix string, target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if token, ok := auth.TokenFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(authorizationHeader, "Bearer "+token)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.logger.ErrorContext(r.Context(), "upstream unavailable",
				"module", "edge.gateway",
				"prefix", prefix,
				"upstream", target.Host,
				"error", err,
			)
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
}

// ServeHTTP forwards to the matching upstream or answers 404.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, rt := range g.routes {
		if r.URL.Path == rt.prefix || strings.HasPrefix(r.URL.Path, rt.prefix+"/") {
			rt.proxy.ServeHTTP(w, r)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no upstream for path")
}

// Prefixes lists the routed prefixes, longest first.
func (g *Gateway) Prefixes() []string {
	out := make([]string, len(g.routes))
	for i, rt := range g.routes {
		out[i] = rt.prefix
	}
	return out
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
