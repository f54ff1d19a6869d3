package routing

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/10thony/Campaignion-sub010/clientapi/auth"
	"github.com/10thony/Campaignion-sub010/types"
)

const wsSendQueueSize = 64

// liveUpdates upgrades to a WebSocket, subscribes the caller to every event
// in the room and streams envelopes as JSON text frames until the socket
// drops or the subscription is torn down.
func (r *routes) liveUpdates(w http.ResponseWriter, req *http.Request) {
	token, err := auth.TokenFromRequest(req)
	if err != nil {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	identity, err := r.verifier.VerifyToken(req.Context(), token)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if rejected := r.limits.Limit(req, identity); rejected != nil {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	iID := interactionID(req)
	room, err := r.rooms.GetRoomByInteractionID(iID)
	if err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(req *http.Request) bool {
			if r.cfg.Server.FrontendURL == "*" {
				return true
			}
			origin := req.Header.Get("Origin")
			return origin == "" || origin == r.cfg.Server.FrontendURL
		},
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logrus.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"interaction_id": iID,
		"user_id":        identity.UserID,
	})

	send := make(chan []byte, wsSendQueueSize)
	done := make(chan struct{})

	subID, err := r.broadcaster.Subscribe(iID, []string{types.EventTypeWildcard}, func(ev *types.GameEvent) error {
		frame, merr := json.Marshal(ev)
		if merr != nil {
			return errors.Wrap(merr, "encoding event frame")
		}
		select {
		case send <- frame:
			return nil
		case <-done:
			return errors.New("connection closed")
		default:
			return errors.New("send queue full")
		}
	}, identity.UserID)
	if err != nil {
		resp := types.NewError(types.ErrSubscriptionLimit, "subscription rejected")
		if ie, ok := types.AsInteractionError(err); ok {
			resp = ie
		}
		frame, _ := json.Marshal(resp)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(frame)))
		_ = conn.Close()
		return
	}

	connectionID := identity.SessionID
	heartbeat := time.Duration(r.cfg.Server.WSHeartbeatMS) * time.Millisecond
	idleTimeout := time.Duration(r.cfg.Server.WSConnTimeoutMS) * time.Millisecond

	// Writer: outbound frames and pings.
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		defer conn.Close() // nolint: errcheck
		for {
			select {
			case <-done:
				return
			case frame := <-send:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) // nolint: errcheck
				if werr := conn.WriteMessage(websocket.TextMessage, frame); werr != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) // nolint: errcheck
				if werr := conn.WriteMessage(websocket.PingMessage, nil); werr != nil {
					return
				}
			}
		}
	}()

	// Reader: pong tracking and client keepalive frames. Every mutation
	// goes through the HTTP RPCs, so inbound frames are keepalive only.
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(idleTimeout)) // nolint: errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	for {
		kind, payload, rerr := conn.ReadMessage()
		if rerr != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout)) // nolint: errcheck
		if kind != websocket.TextMessage {
			continue
		}
		if gjson.GetBytes(payload, "type").String() == "ping" {
			pong, _ := json.Marshal(map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().UTC(),
			})
			select {
			case send <- pong:
			default:
			}
		}
	}

	close(done)
	r.broadcaster.Unsubscribe(subID)
	room.Disconnect(identity.UserID, connectionID)
	log.Debug("Live updates socket closed")
}
