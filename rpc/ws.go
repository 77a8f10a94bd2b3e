package rpc

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cloudwalk/brlc-monorepo-sub002/core"
)

const wsWriteTimeout = 10 * time.Second

// handleEventsWS streams ledger events over a websocket. The optional cursor
// query parameter replays retained history after the given sequence before
// the live feed starts.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if cursor != "" {
		if _, err := strconv.ParseUint(cursor, 10, 64); err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream terminated")

	ctx := r.Context()
	ch, cancel, backlog, err := s.node.EventsSubscribe(ctx, cursor)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cancel()

	for _, update := range backlog {
		if err := writeEventUpdate(ctx, conn, update); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case update, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream complete")
				return
			}
			if err := writeEventUpdate(ctx, conn, update); err != nil {
				return
			}
		}
	}
}

func writeEventUpdate(ctx context.Context, conn *websocket.Conn, update core.EventUpdate) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, update)
}
