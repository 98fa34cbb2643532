package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/obs"
)

const streamHeartbeat = 15 * time.Second

// handleAuditStream serves committed audit entries as server-sent events. The query
// string takes the same filters as GET /audit-logs; page and size are ignored.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	f, _, _, err := audit.ParseQuery(r.URL.Query())
	if err != nil {
		respondError(w, r, err)
		return
	}
	rc := http.NewResponseController(w)
	// the stream outlives the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	ctx := r.Context()
	entries := a.feed.Subscribe(ctx, f)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		obs.LoggerFrom(ctx).Warn("audit stream: flush unsupported", zap.Error(err))
		return
	}

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-entries:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				obs.LoggerFrom(ctx).Error("audit stream: encode entry", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: audit\ndata: %s\n\n", e.ID, payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
