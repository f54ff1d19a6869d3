// Package routing wires the RPC surface: room lifecycle, turn actions, chat
// and the live updates socket.
package routing

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/10thony/Campaignion-sub010/broadcast"
	"github.com/10thony/Campaignion-sub010/clientapi/auth"
	"github.com/10thony/Campaignion-sub010/internal/httputil"
	"github.com/10thony/Campaignion-sub010/roomserver"
	"github.com/10thony/Campaignion-sub010/setup/config"
	"github.com/10thony/Campaignion-sub010/storage"
	"github.com/10thony/Campaignion-sub010/types"
)

type routes struct {
	cfg         *config.LiveServer
	rooms       *roomserver.Manager
	broadcaster *broadcast.Broadcaster
	verifier    auth.Verifier
	limits      *httputil.RateLimits
	db          storage.Database
}

// Setup registers every endpoint on the router.
func Setup(
	router *mux.Router,
	cfg *config.LiveServer,
	rooms *roomserver.Manager,
	bc *broadcast.Broadcaster,
	verifier auth.Verifier,
	limits *httputil.RateLimits,
	db storage.Database,
) {
	r := &routes{
		cfg:         cfg,
		rooms:       rooms,
		broadcaster: bc,
		verifier:    verifier,
		limits:      limits,
		db:          db,
	}

	router.Use(corsMiddleware(cfg.Server.FrontendURL))

	router.Handle("/healthz", httputil.MakeExternalAPI("health", r.health)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	room := router.PathPrefix("/rooms/{interactionId}").Subrouter()
	room.Handle("/join", httputil.MakeAuthAPI("join_room", verifier, limits, r.joinRoom)).Methods(http.MethodPost, http.MethodOptions)
	room.Handle("/leave", httputil.MakeAuthAPI("leave_room", verifier, limits, r.leaveRoom)).Methods(http.MethodPost, http.MethodOptions)
	room.Handle("/pause", httputil.MakeAuthAPI("pause_interaction", verifier, limits, r.pauseInteraction)).Methods(http.MethodPost, http.MethodOptions)
	room.Handle("/resume", httputil.MakeAuthAPI("resume_interaction", verifier, limits, r.resumeInteraction)).Methods(http.MethodPost, http.MethodOptions)
	room.Handle("/initiative", httputil.MakeAuthAPI("roll_initiative", verifier, limits, r.rollInitiative)).Methods(http.MethodPost, http.MethodOptions)
	room.Handle("/turn", httputil.MakeAuthAPI("take_turn", verifier, limits, r.takeTurn)).Methods(http.MethodPost, http.MethodOptions)
	room.Handle("/skip", httputil.MakeAuthAPI("skip_turn", verifier, limits, r.skipTurn)).Methods(http.MethodPost, http.MethodOptions)
	room.Handle("/backtrack", httputil.MakeAuthAPI("backtrack_turn", verifier, limits, r.backtrackTurn)).Methods(http.MethodPost, http.MethodOptions)
	room.Handle("/state", httputil.MakeAuthAPI("room_state", verifier, limits, r.roomState)).Methods(http.MethodGet, http.MethodOptions)
	room.Handle("/chat", httputil.MakeAuthAPI("send_chat", verifier, limits, r.sendChat)).Methods(http.MethodPost, http.MethodOptions)
	room.Handle("/chat", httputil.MakeAuthAPI("chat_log", verifier, limits, r.chatLog)).Methods(http.MethodGet, http.MethodOptions)
	room.HandleFunc("/updates", r.liveUpdates).Methods(http.MethodGet)
}

func corsMiddleware(frontendURL string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", frontendURL)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func interactionID(req *http.Request) string {
	return mux.Vars(req)["interactionId"]
}

func contextWithTimeout(req *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(req.Context(), d)
}

func (r *routes) health(req *http.Request) util.JSONResponse {
	ctx, cancel := contextWithTimeout(req, time.Duration(r.cfg.Server.HealthCheckTimeoutMS)*time.Millisecond)
	defer cancel()
	dbOK := true
	if _, err := r.db.LoadSnapshot(ctx, "healthcheck"); err != nil {
		dbOK = false
	}
	stats := r.broadcaster.GetStats()
	body := map[string]interface{}{
		"status":              "ok",
		"service":             "live-interaction-server",
		"timestamp":           time.Now().UTC(),
		"database":            dbOK,
		"activeRooms":         r.rooms.RoomCount(),
		"activeSubscriptions": stats.TotalSubscriptions,
	}
	if !dbOK {
		body["status"] = "degraded"
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: body}
}

type joinRequest struct {
	EntityID   string           `json:"entityId"`
	EntityType types.EntityType `json:"entityType"`
}

func (r *routes) joinRoom(req *http.Request, identity *auth.Identity) util.JSONResponse {
	var body joinRequest
	if resp := httputil.UnmarshalJSONRequest(req, &body); resp != nil {
		return *resp
	}
	if body.EntityID == "" && body.EntityType != types.EntityDM {
		return httputil.ErrorResponse(types.NewError(types.ErrInvalidInput, "entityId is required"))
	}
	switch body.EntityType {
	case types.EntityPlayerCharacter, types.EntityNPC, types.EntityMonster, types.EntityDM:
	default:
		return httputil.ErrorResponse(types.NewError(types.ErrInvalidInput, "unknown entityType %q", body.EntityType))
	}
	connectionID := identity.SessionID
	if connectionID == "" {
		connectionID = uuid.NewString()
	}
	res, err := r.rooms.JoinRoom(req.Context(), interactionID(req), identity.UserID, body.EntityID, body.EntityType, connectionID)
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success":          true,
		"roomId":           res.RoomID,
		"gameState":        res.GameState,
		"participantCount": res.ParticipantCount,
	}}
}

func (r *routes) leaveRoom(req *http.Request, identity *auth.Identity) util.JSONResponse {
	if err := r.rooms.LeaveRoom(interactionID(req), identity.UserID); err != nil {
		return httputil.ErrorResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success": true,
		"message": "left room",
	}}
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (r *routes) pauseInteraction(req *http.Request, identity *auth.Identity) util.JSONResponse {
	var body pauseRequest
	if resp := httputil.UnmarshalJSONRequest(req, &body); resp != nil {
		return *resp
	}
	room, err := r.rooms.GetRoomByInteractionID(interactionID(req))
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	if err = room.Pause(identity.UserID, body.Reason); err != nil {
		return httputil.ErrorResponse(err)
	}
	r.rooms.Audit(room.InteractionID, "pauseInteraction", identity.UserID, "", identity.SessionID, map[string]interface{}{"reason": body.Reason})
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success": true,
		"message": "interaction paused",
		"reason":  body.Reason,
	}}
}

func (r *routes) resumeInteraction(req *http.Request, identity *auth.Identity) util.JSONResponse {
	room, err := r.rooms.GetRoomByInteractionID(interactionID(req))
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	if err = room.Resume(identity.UserID); err != nil {
		return httputil.ErrorResponse(err)
	}
	r.rooms.Audit(room.InteractionID, "resumeInteraction", identity.UserID, "", identity.SessionID, nil)
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success": true,
		"message": "interaction resumed",
	}}
}

type initiativeRequest struct {
	Overrides map[string]int `json:"overrides,omitempty"`
}

func (r *routes) rollInitiative(req *http.Request, identity *auth.Identity) util.JSONResponse {
	var body initiativeRequest
	if resp := httputil.UnmarshalJSONRequest(req, &body); resp != nil {
		return *resp
	}
	room, err := r.rooms.GetRoomByInteractionID(interactionID(req))
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	state, err := room.RollInitiative(identity.UserID, body.Overrides)
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	r.rooms.Audit(room.InteractionID, "rollInitiative", identity.UserID, "", identity.SessionID, nil)
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success":   true,
		"gameState": state,
	}}
}

type turnRequest struct {
	Action types.TurnAction `json:"action"`
}

func (r *routes) takeTurn(req *http.Request, identity *auth.Identity) util.JSONResponse {
	var body turnRequest
	if resp := httputil.UnmarshalJSONRequest(req, &body); resp != nil {
		return *resp
	}
	if err := body.Action.CheckShape(); err != nil {
		return httputil.ErrorResponse(err)
	}
	room, err := r.rooms.GetRoomByInteractionID(interactionID(req))
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	result, state, err := room.ApplyAction(identity.UserID, body.Action)
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	r.rooms.Audit(room.InteractionID, "processTurnAction", identity.UserID, body.Action.EntityID, identity.SessionID, map[string]interface{}{
		"actionType": string(body.Action.Type),
	})
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success":   true,
		"result":    result,
		"gameState": state,
	}}
}

type skipRequest struct {
	Reason string `json:"reason"`
}

func (r *routes) skipTurn(req *http.Request, identity *auth.Identity) util.JSONResponse {
	var body skipRequest
	if resp := httputil.UnmarshalJSONRequest(req, &body); resp != nil {
		return *resp
	}
	room, err := r.rooms.GetRoomByInteractionID(interactionID(req))
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	state, err := room.SkipTurn(identity.UserID, body.Reason)
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	r.rooms.Audit(room.InteractionID, "skipTurn", identity.UserID, "", identity.SessionID, map[string]interface{}{"reason": body.Reason})
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success":   true,
		"message":   "turn skipped",
		"gameState": state,
	}}
}

type backtrackRequest struct {
	TurnNumber *int   `json:"turnNumber"`
	Reason     string `json:"reason"`
}

func (r *routes) backtrackTurn(req *http.Request, identity *auth.Identity) util.JSONResponse {
	var body backtrackRequest
	if resp := httputil.UnmarshalJSONRequest(req, &body); resp != nil {
		return *resp
	}
	if body.TurnNumber == nil || *body.TurnNumber < 0 {
		return httputil.ErrorResponse(types.NewError(types.ErrInvalidInput, "turnNumber must be >= 0"))
	}
	room, err := r.rooms.GetRoomByInteractionID(interactionID(req))
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	if err = room.Backtrack(identity.UserID, *body.TurnNumber, body.Reason); err != nil {
		return httputil.ErrorResponse(err)
	}
	r.rooms.Audit(room.InteractionID, "backtrackTurn", identity.UserID, "", identity.SessionID, map[string]interface{}{
		"turnNumber": *body.TurnNumber,
		"reason":     body.Reason,
	})
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success":    true,
		"turnNumber": *body.TurnNumber,
		"reason":     body.Reason,
	}}
}

func (r *routes) roomState(req *http.Request, identity *auth.Identity) util.JSONResponse {
	room, err := r.rooms.GetRoomByInteractionID(interactionID(req))
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	rs := room.State()
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success":          true,
		"roomId":           rs.RoomID,
		"gameState":        rs.GameState,
		"participantCount": rs.ParticipantCount,
		"status":           rs.Status,
	}}
}

type chatRequest struct {
	Content    string         `json:"content"`
	Type       types.ChatType `json:"type"`
	Recipients []string       `json:"recipients,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
}

func (r *routes) sendChat(req *http.Request, identity *auth.Identity) util.JSONResponse {
	var body chatRequest
	if resp := httputil.UnmarshalJSONRequest(req, &body); resp != nil {
		return *resp
	}
	room, err := r.rooms.GetRoomByInteractionID(interactionID(req))
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	msg, err := room.SendChat(identity.UserID, body.EntityID, body.Content, body.Type, body.Recipients)
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success": true,
		"message": msg,
	}}
}

func (r *routes) chatLog(req *http.Request, identity *auth.Identity) util.JSONResponse {
	room, err := r.rooms.GetRoomByInteractionID(interactionID(req))
	if err != nil {
		return httputil.ErrorResponse(err)
	}
	limit := 50
	if q := req.URL.Query().Get("limit"); q != "" {
		if n, perr := strconv.Atoi(q); perr == nil && n > 0 {
			limit = n
		}
	}
	channelType := types.ChatType(req.URL.Query().Get("channelType"))
	switch channelType {
	case "", types.ChatParty, types.ChatDM, types.ChatPrivate, types.ChatSystem:
	default:
		return httputil.ErrorResponse(types.NewError(types.ErrInvalidInput, "unknown channelType %q", channelType))
	}
	messages, total := room.ChatLog(identity.UserID, channelType, limit)
	if messages == nil {
		messages = []types.ChatMessage{}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"success":    true,
		"messages":   messages,
		"totalCount": total,
	}}
}
