package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsearch/pkg/events"
	"github.com/go-go-golems/turnsearch/pkg/session"
)

// newWSHandler attaches a websocket to a page session. The current view is
// sent on connect; later views arrive through the update fanout.
func newWSHandler(sessions *session.Manager, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := r.URL.Query().Get("session_id")
		if sid == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing session_id"})
			return
		}
		sess, err := sessions.Get(sid)
		if err != nil {
			writeError(w, err)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Str("component", "ws").Err(err).Msg("upgrade failed")
			return
		}
		payload, err := json.Marshal(viewOf(sess))
		if err != nil {
			_ = conn.Close()
			return
		}
		sess.Pool.Add(conn)
		sess.Pool.SendToOne(conn, payload)
		log.Debug().Str("component", "ws").Str("session_id", sid).Int("connections", sess.Pool.Count()).Msg("websocket attached")

		// Clients never send anything we act on; reading detects the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sess.Pool.Remove(conn)
				log.Debug().Str("component", "ws").Str("session_id", sid).Msg("websocket detached")
				return
			}
		}
	}
}

// fanout returns the bus handler that pushes the latest view of a session to
// its websocket connections.
func fanout(sessions *session.Manager) events.Handler {
	return func(_ context.Context, u events.Update) error {
		sess, ok := sessions.Lookup(u.SessionID)
		if !ok {
			return nil
		}
		if sess.Pool.IsEmpty() {
			return nil
		}
		payload, err := json.Marshal(viewOf(sess))
		if err != nil {
			return errors.Wrap(err, "marshal session view")
		}
		sess.Pool.Broadcast(payload)
		return nil
	}
}
