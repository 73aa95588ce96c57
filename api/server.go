package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/wricardo/collab-relay/collab/protocol"
	"github.com/wricardo/collab-relay/collab/registry"
	"github.com/wricardo/collab-relay/collab/relay"
)

// RelayService is the read-only view of the relay served by the API.
type RelayService interface {
	Rooms(ctx context.Context) ([]registry.RoomInfo, error)
	Room(ctx context.Context, id string) (*relay.RoomDetail, error)
	Stats(ctx context.Context) (relay.Stats, error)
}

// Options wires the handlers mounted next to the REST routes. Nil handlers
// are not mounted.
type Options struct {
	WebSocket http.Handler
	Metrics   http.Handler
	StaticDir string
	Version   string
	Logger    logrus.FieldLogger
}

// Server represents the REST API server
type Server struct {
	service RelayService
	opts    Options
	log     logrus.FieldLogger
	router  *mux.Router
	started time.Time
}

// NewServer creates a new API server
func NewServer(svc RelayService, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Server{
		service: svc,
		opts:    opts,
		log:     opts.Logger,
		router:  mux.NewRouter(),
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/rooms", s.handleListRooms).Methods("GET")
	api.HandleFunc("/rooms/{room}", s.handleGetRoom).Methods("GET")

	if s.opts.WebSocket != nil {
		s.router.Handle("/ws", s.opts.WebSocket)
	}
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods("GET")
	}
	if s.opts.StaticDir != "" {
		s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.opts.StaticDir)))
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// relayError maps relay errors to HTTP status codes.
func (s *Server) relayError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, relay.ErrRoomNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, relay.ErrStopped):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("Relay query failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if _, err := s.service.Stats(r.Context()); err != nil {
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"version": s.opts.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.relayError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.service.Rooms(r.Context())
	if err != nil {
		s.relayError(w, r, err)
		return
	}
	total := len(rooms)

	// Parse query parameters
	query := r.URL.Query()
	sortBy := query.Get("sort")    // "members" (default), "id"
	order := query.Get("order")    // "asc", "desc" (default: "desc")
	limitStr := query.Get("limit") // number of rooms to return

	if sortBy != "id" {
		sortBy = "members"
	}
	if order != "asc" {
		order = "desc"
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		a, b := rooms[i], rooms[j]
		if order == "asc" {
			a, b = b, a
		}
		if sortBy == "id" || a.Members == b.Members {
			return a.ID > b.ID
		}
		return a.Members > b.Members
	})

	limit := len(rooms)
	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l < len(rooms) {
			limit = l
		}
	}
	rooms = rooms[:limit]

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(rooms),
		"total": total,
		"rooms": rooms,
		"sort":  sortBy,
		"order": order,
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	if !protocol.ValidRoom(roomID) {
		respondError(w, http.StatusBadRequest, "invalid room id: "+roomID)
		return
	}

	room, err := s.service.Room(r.Context(), roomID)
	if err != nil {
		s.relayError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, room)
}
