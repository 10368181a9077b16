package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/projectsync/internal/projectsync"
)

const (
	statusBuffer       = 32
	statusWriteTimeout = 5 * time.Second
)

// handleStatusStream pushes every engine status change to a websocket
// client until either side goes away. Slow clients miss updates rather
// than stall the engine.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	patterns := s.cfg.OriginPatterns
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		s.logger.Warn().Err(err).Msg("status stream upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	updates := make(chan projectsync.Status, statusBuffer)
	unsubscribe := s.engine.SubscribeStatus(func(st projectsync.Status) {
		select {
		case updates <- st:
		default:
		}
	})
	defer unsubscribe()

	// Clients never send anything; CloseRead notices when they leave.
	ctx := conn.CloseRead(r.Context())

	initial := projectsync.Status{State: projectsync.StateSynced, At: s.cfg.Now().UTC()}
	if depth := s.engine.QueueStats().TotalItems; depth > 0 {
		initial.State = projectsync.StateQueued
		initial.QueueDepth = depth
	}
	if err := writeStatus(ctx, conn, initial); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			if err := writeStatus(ctx, conn, st); err != nil {
				s.logger.Debug().Err(err).Msg("status stream closed")
				return
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, st projectsync.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, statusWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
