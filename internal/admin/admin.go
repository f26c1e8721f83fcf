// Package admin implements the bridge's HTTP admin surface: read-only room
// listing and bridge lifecycle management (create, inspect, unbridge) over
// the MappingStore, exposed for moderators and operators rather than either
// chat protocol.
package admin

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/matrixdiscord/bridge/internal/store"
)

// Server owns the admin HTTP surface's routes. It depends only on
// store.MappingStore, so tests can supply an in-memory sqlite store.
type Server struct {
	store  store.MappingStore
	router *mux.Router
}

// New builds a Server with its routes registered.
func New(s store.MappingStore) *Server {
	srv := &Server{store: s, router: mux.NewRouter()}
	srv.routes()
	return srv
}

// ServeHTTP satisfies http.Handler, so Server can be passed directly to
// http.Server.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/rooms", s.handleListRooms).Methods(http.MethodGet)
	s.router.HandleFunc("/bridges", s.handleCreateBridge).Methods(http.MethodPost)
	s.router.HandleFunc("/bridges/{id}", s.handleGetBridge).Methods(http.MethodGet)
	s.router.HandleFunc("/bridges/{id}", s.handleDeleteBridge).Methods(http.MethodDelete)
}

// roomResponse is the wire shape for a RoomMapping; admin clients see
// external ids and names, never internal row state beyond the id itself.
type roomResponse struct {
	ID                 int64  `json:"id"`
	MatrixRoomID       string `json:"matrix_room_id"`
	DiscordChannelID   string `json:"discord_channel_id"`
	DiscordChannelName string `json:"discord_channel_name"`
	DiscordGuildID     string `json:"discord_guild_id"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

func toRoomResponse(m store.RoomMapping) roomResponse {
	return roomResponse{
		ID:                 m.ID,
		MatrixRoomID:       m.MatrixRoomID,
		DiscordChannelID:   m.DiscordChannelID,
		DiscordChannelName: m.DiscordChannelName,
		DiscordGuildID:     m.DiscordGuildID,
		CreatedAt:          m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:          m.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

// writeError logs the failure under a correlation id and returns that id to
// the caller, so an operator can cross-reference a support report against
// the admin log without leaking internal detail into the HTTP response.
func writeError(w http.ResponseWriter, status int, err error) {
	correlationID := uuid.New().String()
	log.Printf("[admin] request failed (correlation_id=%s, status=%d): %v", correlationID, status, err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), CorrelationID: correlationID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[admin] failed to encode response: %v", err)
	}
}

// listRoomsResponse pages ListRoomMappings for the admin UI.
type listRoomsResponse struct {
	Rooms []roomResponse `json:"rooms"`
	Total int            `json:"total"`
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	filter := store.RoomFilter{Limit: 50, Offset: 0}

	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, errors.New("offset must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}

	rooms, err := s.store.ListRoomMappings(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total, err := s.store.CountRoomMappings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]roomResponse, len(rooms))
	for i, m := range rooms {
		out[i] = toRoomResponse(m)
	}
	writeJSON(w, http.StatusOK, listRoomsResponse{Rooms: out, Total: total})
}

type createBridgeRequest struct {
	MatrixRoomID       string `json:"matrix_room_id"`
	DiscordChannelID   string `json:"discord_channel_id"`
	DiscordChannelName string `json:"discord_channel_name"`
	DiscordGuildID     string `json:"discord_guild_id"`
}

// handleCreateBridge provisions a RoomMapping directly, bypassing the
// in-room approval flow entirely — intended for operator-driven setup where
// the bridge/unbridge command's human approval step doesn't apply.
func (s *Server) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	var req createBridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if req.MatrixRoomID == "" || req.DiscordChannelID == "" {
		writeError(w, http.StatusBadRequest, errors.New("matrix_room_id and discord_channel_id are required"))
		return
	}

	room, err := s.store.CreateRoomMapping(store.RoomMapping{
		MatrixRoomID:       req.MatrixRoomID,
		DiscordChannelID:   req.DiscordChannelID,
		DiscordChannelName: req.DiscordChannelName,
		DiscordGuildID:     req.DiscordGuildID,
	})
	if err != nil {
		if errors.Is(err, store.ErrRoomMatrixConflict) || errors.Is(err, store.ErrRoomDiscordConflict) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRoomResponse(room))
}

func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	id, err := bridgeIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	room, err := s.store.GetRoomByID(id)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

func (s *Server) handleDeleteBridge(w http.ResponseWriter, r *http.Request) {
	id, err := bridgeIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := s.store.GetRoomByID(id); err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.store.DeleteRoomMapping(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func bridgeIDFromPath(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("bridge id must be an integer")
	}
	return id, nil
}
