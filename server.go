package porygon

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type Server struct {
	server   *http.Server
	handler  http.Handler
	bus      *EventBus
	registry *ConnectionRegistry

	publisher  Publisher
	subscriber Subscriber
}

// NewServer wires one full instance: broker endpoint, event bus, connection
// registry, session manager, struct distribution and the HTTP surface.
// filter and store are external collaborators; nil falls back to the
// development implementations.
func NewServer(config Config, filter PermissionFilter, store StructStore) (*Server, error) {
	cfg := config.withDefaults()

	var (
		pub      Publisher
		sub      Subscriber
		presence Presence
	)
	if cfg.RedisConnStr != "" {
		ps, err := NewRedisPubSubFromConnStr(cfg.RedisConnStr)
		if err != nil {
			return nil, err
		}
		pub, sub = ps, ps
		presence = NewRedisPresenceFromConnStr(cfg.RedisConnStr)
	} else {
		ep := NewMemoryBroker().Connect()
		pub, sub = ep, ep
		presence = NewMemoryPresence()
	}

	if filter == nil {
		filter = AllowAllFilter{}
	}
	if store == nil {
		store = NewMemoryStructStore()
	}

	bus := NewEventBus(pub, sub)
	bus.SetQueryTimeout(cfg.QueryTimeout)
	registry := NewConnectionRegistry(cfg, presence)
	dist := NewDistributor(bus, registry, filter)
	sessions := NewSessionManager(registry)
	structs := NewStructService(store, dist, filter)

	h := &handler{
		cfg:        cfg,
		registry:   registry,
		sessions:   sessions,
		dist:       dist,
		structs:    structs,
		sseFactory: NewSSEConnFactory(),
		wsFactory:  NewGorillaWSConnFactory(cfg.GorillaWS),
	}

	r := mux.NewRouter()
	r.HandleFunc("/events/{connection_id}", h.createSSEStream).Methods(http.MethodGet)
	r.HandleFunc("/ws/{connection_id}", h.createWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/ack/{connection_id}/{sequence_id}", h.ack).Methods(http.MethodGet)
	r.HandleFunc("/ping/{connection_id}", h.ping).Methods(http.MethodGet)
	r.HandleFunc("/state/{connection_id}", h.reportState).Methods(http.MethodPost)
	r.HandleFunc("/batch", h.batch).Methods(http.MethodPost)
	r.HandleFunc("/session", h.createSession).Methods(http.MethodPost)
	r.HandleFunc("/session/{session_id}/send", h.sendToSession).Methods(http.MethodPost)
	r.HandleFunc("/session/{session_id}", h.closeSession).Methods(http.MethodDelete)
	r.HandleFunc("/struct/{name}/archive/{id}", h.structAction).Methods(http.MethodPost)
	r.HandleFunc("/struct/{name}/restore-archive/{id}", h.structAction).Methods(http.MethodPost)
	r.HandleFunc("/struct/{name}/delete/{id}", h.structAction).Methods(http.MethodPost)
	r.HandleFunc("/struct/{name}/set-attributes/{id}", h.setAttributes).Methods(http.MethodPost)
	r.HandleFunc("/struct/{name}/clear", h.clearStruct).Methods(http.MethodPost)

	httpConfig := cfg.HTTPServer
	server := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf("%s:%d", httpConfig.Address, httpConfig.Port),
		WriteTimeout: time.Duration(httpConfig.WriteTimeoutInSecond) * time.Second,
		ReadTimeout:  time.Duration(httpConfig.ReadTimeoutInSecond) * time.Second,
	}
	return &Server{
		server:     server,
		handler:    r,
		bus:        bus,
		registry:   registry,
		publisher:  pub,
		subscriber: sub,
	}, nil
}

func (s *Server) Bus() *EventBus { return s.bus }

func (s *Server) Handler() http.Handler { return s.handler }

// Start brings up the bus and the registry ping loop. A broker failure is
// surfaced here, before the listener opens.
func (s *Server) Start() error {
	if err := s.bus.Start(); err != nil {
		return err
	}
	s.registry.Startup()
	return nil
}

func (s *Server) Serve() error {
	if err := s.Start(); err != nil {
		return err
	}
	log.Infof("server started listening at %s", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown() error {
	s.registry.Shutdown()
	s.bus.Shutdown()
	// The broker endpoint backs both handles; one close is enough.
	_ = s.publisher.Close()
	return s.server.Close()
}
