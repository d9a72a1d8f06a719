package events

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// writeTimeout bounds a single websocket frame write.
const writeTimeout = 10 * time.Second

// Stream upgrades the request to a websocket, writes the snapshot and then
// every update until the job reaches a terminal status, the client goes away
// or updates is closed.
//
// Callers subscribe before loading the snapshot so no transition can fall
// between the two.
func Stream(w http.ResponseWriter, r *http.Request, snapshot Event, updates <-chan Event) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("events: websocket accept failed", "job_id", snapshot.JobID, "err", err)
		return
	}
	defer conn.CloseNow()

	// Reads are only needed to observe the client's close frame.
	ctx := conn.CloseRead(r.Context())

	if err := write(ctx, conn, snapshot); err != nil {
		return
	}
	if snapshot.Status.Terminal() {
		conn.Close(websocket.StatusNormalClosure, "job finished")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := write(ctx, conn, e); err != nil {
				return
			}
			if e.Status.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, e); err != nil {
		slog.Debug("events: websocket write failed", "job_id", e.JobID, "err", err)
		return err
	}
	return nil
}
