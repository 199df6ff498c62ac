package porygon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

type handler struct {
	cfg        Config
	registry   *ConnectionRegistry
	sessions   *SessionManager
	dist       *Distributor
	structs    *StructService
	sseFactory PushConnFactory
	wsFactory  PushConnFactory
}

// GET /events/{connection_id}?structs=a,b
// Holds the response open as the SSE push stream until the client goes
// away or the registry closes the connection.
func (h *handler) createSSEStream(w http.ResponseWriter, r *http.Request) {
	connID := mux.Vars(r)["connection_id"]
	account := resolveActor(r)

	conn, err := h.registry.Connect(connID, w, r, h.sseFactory)
	if err != nil {
		writeErrorResponse(w, errStatus(err), "could not create push connection")
		log.Errorw("could not create push connection", "connectionId", connID, "error", err.Error())
		return
	}
	h.subscribeStructs(r, connID, account)

	sse := conn.push.(*sseConnection)
	select {
	case <-r.Context().Done():
		_ = h.registry.Disconnect(connID)
	case <-sse.Done():
	}
}

// GET /ws/{connection_id}?structs=a,b
func (h *handler) createWebSocket(w http.ResponseWriter, r *http.Request) {
	connID := mux.Vars(r)["connection_id"]
	account := resolveActor(r)

	conn, err := h.registry.Connect(connID, w, r, h.wsFactory)
	if err != nil {
		if !errors.Is(err, ErrConnectionUpgrade) {
			// The upgrader already wrote its own response on upgrade failure.
			writeErrorResponse(w, errStatus(err), "could not create push connection")
		}
		log.Errorw("could not create push connection", "connectionId", connID, "error", err.Error())
		return
	}
	h.subscribeStructs(r, connID, account)

	// Acks arrive over HTTP; the read side only detects the socket closing.
	ws := conn.push.(*GorillaWSConnection)
	for {
		if _, err := ws.Receive(); err != nil {
			_ = h.registry.Disconnect(connID)
			return
		}
	}
}

func (h *handler) subscribeStructs(r *http.Request, connID, account string) {
	raw := r.URL.Query().Get("structs")
	if raw == "" {
		return
	}
	for _, name := range strings.Split(raw, ",") {
		if name == "" {
			continue
		}
		if err := h.dist.Subscribe(name, connID, account); err != nil {
			log.Warnw("could not subscribe struct", "connectionId", connID, "struct", name, "error", err)
		}
	}
}

// GET /ack/{connection_id}/{sequence_id}
func (h *handler) ack(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	conn, found := h.registry.GetConnection(params["connection_id"])
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "connection not found")
		return
	}
	seq, err := strconv.ParseUint(params["sequence_id"], 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	h.registry.Ack(conn, seq)
	w.WriteHeader(http.StatusOK)
}

// GET /ping/{connection_id}
func (h *handler) ping(w http.ResponseWriter, r *http.Request) {
	conn, found := h.registry.GetConnection(mux.Vars(r)["connection_id"])
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "connection not found")
		return
	}
	latency := h.registry.Ping(conn)
	_, _ = w.Write([]byte("Pong:" + strconv.FormatInt(latency.Milliseconds(), 10)))
}

// POST /state/{connection_id}
func (h *handler) reportState(w http.ResponseWriter, r *http.Request) {
	conn, found := h.registry.GetConnection(mux.Vars(r)["connection_id"])
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "connection not found")
		return
	}
	var state StateReport
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "could not parse body request")
		return
	}
	h.registry.ReportState(conn, &state)
	w.WriteHeader(http.StatusOK)
}

// POST /batch
func (h *handler) batch(w http.ResponseWriter, r *http.Request) {
	var updates []BatchUpdate
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "could not parse body request")
		return
	}
	results := h.structs.ApplyBatch(resolveActor(r), updates)
	writeJSON(w, results)
}

type createSessionRequest struct {
	OwnerConnectionID string   `json:"ownerConnectionId"`
	Members           []string `json:"members"`
	LifetimeSeconds   int      `json:"lifetimeSeconds"`
}

// POST /session
func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "could not parse body request")
		return
	}
	lifetime := h.cfg.SessionLifetime
	if req.LifetimeSeconds > 0 {
		lifetime = time.Duration(req.LifetimeSeconds) * time.Second
	}
	session, err := h.sessions.Create(req.OwnerConnectionID, req.Members, lifetime)
	if err != nil {
		writeErrorResponse(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"sessionId": session.ID})
}

type sessionSendRequest struct {
	CallerConnectionID string      `json:"callerConnectionId"`
	Event              string      `json:"event"`
	Data               interface{} `json:"data"`
}

// POST /session/{session_id}/send
func (h *handler) sendToSession(w http.ResponseWriter, r *http.Request) {
	var req sessionSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "could not parse body request")
		return
	}
	err := h.sessions.Send(mux.Vars(r)["session_id"], req.CallerConnectionID, req.Event, req.Data)
	if err != nil {
		writeErrorResponse(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DELETE /session/{session_id}
func (h *handler) closeSession(w http.ResponseWriter, r *http.Request) {
	caller := r.Header.Get("X-Connection-Id")
	if err := h.sessions.Close(mux.Vars(r)["session_id"], caller); err != nil {
		writeErrorResponse(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// POST /struct/{name}/archive/{id}
// POST /struct/{name}/restore-archive/{id}
// POST /struct/{name}/delete/{id}
func (h *handler) structAction(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	actor := resolveActor(r)
	name, id := params["name"], params["id"]

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	action := segments[len(segments)-2]

	var (
		rec *Record
		err error
	)
	switch action {
	case "archive":
		rec, err = h.structs.Archive(actor, name, id)
	case "restore-archive":
		rec, err = h.structs.RestoreArchive(actor, name, id)
	case "delete":
		err = h.structs.Delete(actor, name, id)
	default:
		writeErrorResponse(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeErrorResponse(w, errStatus(err), err.Error())
		return
	}
	if rec != nil {
		writeJSON(w, rec)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// POST /struct/{name}/set-attributes/{id}
func (h *handler) setAttributes(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	var attrs map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "could not parse body request")
		return
	}
	rec, err := h.structs.SetAttributes(resolveActor(r), params["name"], params["id"], attrs)
	if err != nil {
		writeErrorResponse(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, rec)
}

// POST /struct/{name}/clear
func (h *handler) clearStruct(w http.ResponseWriter, r *http.Request) {
	removed, err := h.structs.Clear(resolveActor(r), mux.Vars(r)["name"])
	if err != nil {
		writeErrorResponse(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, map[string]int{"removed": removed})
}

func resolveActor(r *http.Request) string {
	// TODO resolve the actor from credentials once an authentication
	// service is wired in; the header is trusted for now.
	if actor := r.Header.Get("X-Account-Id"); actor != "" {
		return actor
	}
	return "anonymous"
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, ErrConnectionNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotSessionOwner), errors.Is(err, ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, ErrConnectionExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, errorMessage string) {
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(errorMessage))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorw("could not write json response", "error", err)
	}
}
