package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/lattice-collab/internal/errs"
	"github.com/manpreetbhatti/lattice-collab/internal/room"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

type API struct {
	coord   *room.Coordinator
	store   *store.Store
	backend string
	logger  *slog.Logger
}

// New builds the admin API. backend names the store driver in /api/stats.
func New(coord *room.Coordinator, st *store.Store, backend string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		coord:   coord,
		store:   st,
		backend: backend,
		logger:  logger,
	}
}

// Register mounts the routes on r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", a.StatsHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{room}", a.DeleteRoomHandler).Methods(http.MethodDelete)
	api.HandleFunc("/rooms/{room}/doc", a.GetDocHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{room}/steps", a.GetStepsHandler).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(a.methodNotAllowed)
	api.MethodNotAllowedHandler = http.HandlerFunc(a.methodNotAllowed)
}

func (a *API) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	a.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("encoding JSON response", "error", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// storeError maps a room operation failure to a status code.
func (a *API) storeError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, room.ErrRoomActive):
		a.errorResponse(w, http.StatusConflict, err.Error())
	case errs.IsLockTimeout(err):
		a.errorResponse(w, http.StatusServiceUnavailable, "Room is busy, retry later")
	default:
		a.logger.Error(message, "error", err)
		a.errorResponse(w, http.StatusInternalServerError, message)
	}
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"backend":   a.backend,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range a.coord.Stats() {
		stats[k] = v
	}

	if reporter, ok := a.store.Backend().(store.StatsReporter); ok {
		backendStats, err := reporter.Stats(r.Context())
		if err == nil {
			stats["storage"] = backendStats
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// roomKey reads {room} and the namespace query parameter.
func (a *API) roomKey(w http.ResponseWriter, r *http.Request) (store.RoomKey, bool) {
	key := store.RoomKey{
		Namespace: r.URL.Query().Get("namespace"),
		Room:      mux.Vars(r)["room"],
	}
	if !strings.HasPrefix(key.Namespace, "/") {
		a.errorResponse(w, http.StatusBadRequest, "namespace is required and must start with /")
		return key, false
	}
	if key.Room == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room name is required")
		return key, false
	}
	return key, true
}

type RoomResponse struct {
	Namespace   string     `json:"namespace"`
	Room        string     `json:"room"`
	Connections int        `json:"connections"`
	Active      bool       `json:"active"`
	Created     *time.Time `json:"created,omitempty"`
}

// ListRoomsHandler lists live sessions plus, when the driver can enumerate
// them, rooms that only exist in storage.
func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")

	seen := make(map[store.RoomKey]bool)
	response := make([]RoomResponse, 0)
	for _, info := range a.coord.ActiveRooms(namespace) {
		created := info.Created
		seen[store.RoomKey{Namespace: info.Namespace, Room: info.Room}] = true
		response = append(response, RoomResponse{
			Namespace:   info.Namespace,
			Room:        info.Room,
			Connections: info.Connections,
			Active:      true,
			Created:     &created,
		})
	}

	if lister, ok := a.store.Backend().(store.RoomLister); ok {
		keys, err := lister.ListRooms(r.Context(), namespace)
		if err != nil {
			a.storeError(w, err, "Failed to list rooms")
			return
		}
		for _, key := range keys {
			if !seen[key] {
				response = append(response, RoomResponse{Namespace: key.Namespace, Room: key.Room})
			}
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": response,
		"total": len(response),
	})
}

func (a *API) GetDocHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := a.roomKey(w, r)
	if !ok {
		return
	}

	snap, err := a.coord.Document(key).GetDoc(r.Context())
	if err != nil {
		a.storeError(w, err, "Failed to get document")
		return
	}
	a.jsonResponse(w, http.StatusOK, snap)
}

func (a *API) GetStepsHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := a.roomKey(w, r)
	if !ok {
		return
	}

	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			a.errorResponse(w, http.StatusBadRequest, "Invalid 'since' version")
			return
		}
		since = v
	}

	records := a.coord.Document(key).StepsSince(r.Context(), since)
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"since": since,
		"steps": records,
	})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := a.roomKey(w, r)
	if !ok {
		return
	}

	if err := a.coord.DeleteRoom(r.Context(), key); err != nil {
		a.storeError(w, err, "Failed to delete room")
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}
