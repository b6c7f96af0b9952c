package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/omochice/huddle/internal/store"
	"github.com/omochice/huddle/pkg/protocol"
)

// UserHeader carries the caller's user id on API requests.
const UserHeader = "X-User-ID"

// API serves message history and sends, and pushes every accepted message to
// the live connections that should see it.
type API struct {
	store       *store.Store
	router      *Router
	historySize int
	log         *zap.Logger
}

// NewAPI creates the HTTP API over st. Live pushes go through router.
func NewAPI(st *store.Store, router *Router, historySize int, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	if historySize <= 0 {
		historySize = 50
	}
	return &API{store: st, router: router, historySize: historySize, log: log}
}

// Register mounts the API routes on r.
func (a *API) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/channels", a.createChannel).Methods(http.MethodPost)
	api.HandleFunc("/channels/{id}/messages", a.channelHistory).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/messages", a.sendChannel).Methods(http.MethodPost)
	api.HandleFunc("/dms", a.createDM).Methods(http.MethodPost)
	api.HandleFunc("/dms/{id}/messages", a.dmHistory).Methods(http.MethodGet)
	api.HandleFunc("/dms/{id}/messages", a.sendDM).Methods(http.MethodPost)
}

type createChannelRequest struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

type createDMRequest struct {
	OtherUserID string `json:"other_user_id"`
}

type sendRequest struct {
	Content string `json:"content"`
}

func (a *API) createChannel(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ch, err := a.store.CreateChannel(r.Context(), req.ServerID, req.Name, store.ChannelType(req.Type))
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (a *API) createDM(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createDMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	dm, err := a.store.CreateDM(r.Context(), userID, req.OtherUserID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dm)
}

func (a *API) channelHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	a.history(w, r, protocol.Channel(mux.Vars(r)["id"]))
}

func (a *API) dmHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	dm, ok := a.participant(w, r, userID)
	if !ok {
		return
	}
	a.history(w, r, protocol.DM(dm.ID))
}

// history writes the most recent page of conv, newest first.
func (a *API) history(w http.ResponseWriter, r *http.Request, conv protocol.Conversation) {
	limit := a.historySize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}
	msgs, err := a.store.History(r.Context(), conv, limit)
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) sendChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	content, ok := readContent(w, r)
	if !ok {
		return
	}
	msg, err := a.store.AppendMessage(r.Context(), protocol.Channel(mux.Vars(r)["id"]), userID, content)
	if err != nil {
		a.storeError(w, err)
		return
	}
	// Every connection gets channel messages; clients keep the active one.
	a.router.Broadcast(msg.Envelope().WithSender(userID))
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) sendDM(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	dm, ok := a.participant(w, r, userID)
	if !ok {
		return
	}
	content, ok := readContent(w, r)
	if !ok {
		return
	}
	msg, err := a.store.AppendMessage(r.Context(), protocol.DM(dm.ID), userID, content)
	if err != nil {
		a.storeError(w, err)
		return
	}
	recipient, _ := dm.Other(userID)
	a.router.SendTo(recipient, msg.Envelope().WithSender(userID))
	writeJSON(w, http.StatusCreated, msg)
}

// participant loads the thread in the route and checks userID takes part in it.
func (a *API) participant(w http.ResponseWriter, r *http.Request, userID string) (store.DM, bool) {
	dm, err := a.store.DM(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.storeError(w, err)
		return store.DM{}, false
	}
	if !dm.Has(userID) {
		writeError(w, http.StatusForbidden, "not a participant")
		return store.DM{}, false
	}
	return dm, true
}

func (a *API) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.Error("store failure", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+UserHeader)
		return "", false
	}
	return userID, true
}

// readContent accepts {"content": "..."} or a content query parameter.
func readContent(w http.ResponseWriter, r *http.Request) (string, bool) {
	content := r.URL.Query().Get("content")
	if content == "" && r.ContentLength != 0 {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return "", false
		}
		content = req.Content
	}
	if strings.TrimSpace(content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return "", false
	}
	return content, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
