package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"retailops.org/internal/obs"
)

const streamHeartbeat = 15 * time.Second

// Stream feeds the caller's tenant events as Server-Sent Events. An optional
// ?type= filter keeps only matching event types. Idle connections get a
// comment line every streamHeartbeat so proxies keep them open.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	tenantID := tenantOf(r)
	filter := strings.TrimSpace(r.URL.Query().Get("type"))
	feed := a.svc.Tap.Subscribe(ctx)

	if _, err := fmt.Fprint(w, ": stream started\n\n"); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case evt, open := <-feed:
			if !open {
				return
			}
			if (tenantID != "" && evt.TenantID != tenantID) || (filter != "" && evt.Type != filter) {
				continue
			}
			data, err := json.Marshal(evt)
			if err != nil {
				obs.Logger().WarnContext(ctx, "stream encode failed", "event_id", evt.ID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}
