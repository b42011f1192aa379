package ballotd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"ballotsync/observability"
	"ballotsync/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

type streamMessage struct {
	Type     string           `json:"type"`
	Election electionResponse `json:"election"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	metrics := observability.API()
	metrics.StreamOpened()
	defer metrics.StreamClosed()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamSnapshots(ctx, conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamSnapshots(ctx context.Context, conn *websocket.Conn) error {
	updates, stop := s.ballot.Watch()
	defer stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := s.writeSnapshot(ctx, conn, snap); err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap session.Snapshot) error {
	data, err := json.Marshal(streamMessage{Type: "snapshot", Election: s.electionPayload(snap)})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
