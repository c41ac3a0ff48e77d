package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chatmesh/chatmesh/src/node"
	"github.com/chatmesh/chatmesh/src/rooms"
)

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of the
// http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering chatmesh API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/rooms", s.makeHandler(s.GetRooms))
	http.HandleFunc("/room/", s.makeHandler(s.GetRoom))
	http.HandleFunc("/user-rooms", s.makeHandler(s.GetUserRooms))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving chatmesh API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	roomIDs, err := s.node.Store().Rooms()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := map[string]string{
		"id":    s.node.ID(),
		"user":  s.node.User().String(),
		"rooms": strconv.Itoa(len(roomIDs)),
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetRooms ...
func (s *Service) GetRooms(w http.ResponseWriter, r *http.Request) {
	roomIDs, err := s.node.Store().Rooms()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(roomIDs)
}

// GetRoom serves the recent timeline of one room:
//
//	/room/{roomID}?limit=20
func (s *Service) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimPrefix(r.URL.Path, "/room/")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	limit := 20
	if param := r.URL.Query().Get("limit"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil {
			s.logger.WithError(err).Errorf("Parsing limit parameter %s", param)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := rooms.LatestTimelineEvents(s.node.Store(), roomID, limit)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving timeline of %s", roomID)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(events)
}

// GetUserRooms ...
func (s *Service) GetUserRooms(w http.ResponseWriter, r *http.Request) {
	userRooms, err := s.node.Store().UserRooms()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(userRooms)
}
