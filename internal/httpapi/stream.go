package httpapi

import (
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/meetingnotes/internal/notes"
)

// handleActivityStream upgrades to a websocket and forwards pipeline
// activities until either side goes away. An optional kind query
// parameter filters by comma-separated activity kinds.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "activity stream not configured", getCorrelationID(r))
		return
	}
	kinds := map[notes.ActivityKind]struct{}{}
	for _, kind := range strings.Split(r.URL.Query().Get("kind"), ",") {
		if kind = strings.TrimSpace(kind); kind != "" {
			kinds[notes.ActivityKind(kind)] = struct{}{}
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("activity_stream_accept_failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	activities, unsubscribe := s.deps.Hub.Subscribe(64)
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case activity, ok := <-activities:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if len(kinds) > 0 {
				if _, want := kinds[activity.Kind]; !want {
					continue
				}
			}
			if err := wsjson.Write(ctx, conn, activity); err != nil {
				return
			}
		}
	}
}
