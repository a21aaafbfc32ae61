package swcache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxAdminBody limits the request bodies the admin endpoints accept
const maxAdminBody = 1024 * 1024

// An OnlineChecker reports if the origin can currently be reached
type OnlineChecker interface {
	Online(ctx context.Context) bool
}

// AdminHandler exposes the non-fetch events of a worker over HTTP.
// The routes are POST /message, POST /push, POST /sync, POST /forms and GET /status
type AdminHandler struct {
	worker  *Worker
	secret  string
	network OnlineChecker
	mux     *http.ServeMux
}

// NewAdminHandler creates a new admin handler. If secret is not empty every request
// must carry it as bearer token. network is optional
func NewAdminHandler(worker *Worker, secret string, network OnlineChecker) *AdminHandler {
	worker.init()

	admin := &AdminHandler{
		worker:  worker,
		secret:  secret,
		network: network,
		mux:     http.NewServeMux(),
	}

	admin.mux.HandleFunc("POST /message", admin.HandleMessage)
	admin.mux.HandleFunc("POST /push", admin.HandlePush)
	admin.mux.HandleFunc("POST /sync", admin.HandleSync)
	admin.mux.HandleFunc("POST /forms", admin.HandleAddForm)
	admin.mux.HandleFunc("GET /status", admin.HandleStatus)

	return admin
}

func (admin *AdminHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	if !admin.authenticate(req) {
		http.Error(resp, "Unauthorized", http.StatusUnauthorized)
		return
	}

	admin.mux.ServeHTTP(resp, req)
}

// authenticate checks the bearer token of the request
func (admin *AdminHandler) authenticate(req *http.Request) bool {
	if admin.secret == "" {
		return true
	}

	token, found := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")

	return found && token == admin.secret
}

// HandleMessage dispatches the body as MessageEvent and responds with the reply, if any
func (admin *AdminHandler) HandleMessage(resp http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxAdminBody))
	if err != nil {
		http.Error(resp, "Invalid request body", http.StatusBadRequest)
		return
	}

	var replies []MessageReply
	event := &MessageEvent{
		Data: data,
		Source: ReplyPortFunc(func(ctx context.Context, reply MessageReply) error {
			replies = append(replies, reply)
			return nil
		}),
	}

	admin.worker.Dispatch(req.Context(), event)

	if len(replies) == 0 {
		resp.WriteHeader(http.StatusNoContent)
		return
	}

	sendJSON(resp, http.StatusOK, replies[0])
}

// HandlePush dispatches the body as PushEvent and responds with the notification which was shown
func (admin *AdminHandler) HandlePush(resp http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxAdminBody))
	if err != nil {
		http.Error(resp, "Invalid request body", http.StatusBadRequest)
		return
	}

	event := &PushEvent{Data: data}
	if err := admin.worker.Dispatch(req.Context(), event); err != nil {
		http.Error(resp, err.Error(), http.StatusBadGateway)
		return
	}

	if event.Notification == nil {
		resp.WriteHeader(http.StatusNoContent)
		return
	}

	sendJSON(resp, http.StatusOK, event.Notification)
}

// HandleSync dispatches a SyncEvent with the tag from the query, which defaults to the form submission tag
func (admin *AdminHandler) HandleSync(resp http.ResponseWriter, req *http.Request) {
	tag := req.URL.Query().Get("tag")
	if tag == "" {
		tag = SyncTagFormSubmission
	}

	event := &SyncEvent{Tag: tag}
	if err := admin.worker.Dispatch(req.Context(), event); err != nil {
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}

	sendJSON(resp, http.StatusOK, map[string]interface{}{
		"tag":      event.Tag,
		"replayed": event.Replayed,
		"failed":   event.Failed,
	})
}

// HandleAddForm queues a deferred form submission
func (admin *AdminHandler) HandleAddForm(resp http.ResponseWriter, req *http.Request) {
	var form PendingForm
	if err := json.NewDecoder(io.LimitReader(req.Body, maxAdminBody)).Decode(&form); err != nil {
		http.Error(resp, "Invalid request body", http.StatusBadRequest)
		return
	}

	if form.URL == "" {
		http.Error(resp, "url is required", http.StatusBadRequest)
		return
	}

	form.ID = ""
	form.QueuedAt = time.Now()

	id, err := admin.worker.Forms.AddPendingForm(req.Context(), form)
	if err != nil {
		admin.worker.Logger.WithError(err).Error("Error while queueing form")
		http.Error(resp, "Failed to queue form: "+err.Error(), http.StatusInternalServerError)
		return
	}

	sendJSON(resp, http.StatusCreated, map[string]interface{}{
		"id": id,
	})
}

// HandleStatus reports the worker state and the buckets in storage
func (admin *AdminHandler) HandleStatus(resp http.ResponseWriter, req *http.Request) {
	router := admin.worker.Router

	buckets, err := router.Storage.Keys(req.Context())
	if err != nil {
		http.Error(resp, "Failed to list buckets: "+err.Error(), http.StatusInternalServerError)
		return
	}

	status := map[string]interface{}{
		"state":   admin.worker.State().String(),
		"cache":   router.Config.CacheName(),
		"buckets": buckets,
	}

	if admin.network != nil {
		status["online"] = admin.network.Online(req.Context())
	}

	sendJSON(resp, http.StatusOK, status)
}

func sendJSON(resp http.ResponseWriter, statusCode int, value interface{}) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(statusCode)
	json.NewEncoder(resp).Encode(value)
}
