package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/TwinForge/engine/machine"
	"github.com/itskum47/TwinForge/engine/model"
	"github.com/itskum47/TwinForge/engine/notifier"
	"github.com/itskum47/TwinForge/engine/observability"
	"github.com/itskum47/TwinForge/engine/service"
	"github.com/itskum47/TwinForge/engine/store"
)

const maxWSConnections = 200

// API exposes the thing CRUD surface and the per-thing notification socket.
type API struct {
	service *service.Service
	fanout  *notifier.Fanout

	upgrader websocket.Upgrader
	wsCount  atomic.Int64
}

// NewAPI creates the API.
func NewAPI(svc *service.Service, fanout *notifier.Fanout) *API {
	return &API{
		service: svc,
		fanout:  fanout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes registers all handlers on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1alpha1/things", a.handleCreate)
	mux.HandleFunc("GET /api/v1alpha1/things/{application}/things/{name}", a.handleGet)
	mux.HandleFunc("PUT /api/v1alpha1/things/{application}/things/{name}", a.handleReplace)
	mux.HandleFunc("PATCH /api/v1alpha1/things/{application}/things/{name}", a.handlePatch)
	mux.HandleFunc("DELETE /api/v1alpha1/things/{application}/things/{name}", a.handleDelete)
	mux.HandleFunc("PUT /api/v1alpha1/things/{application}/things/{name}/reportedStates", a.handleReportedStates)
	mux.HandleFunc("PUT /api/v1alpha1/things/{application}/things/{name}/syntheticStates/{state}", a.handleSyntheticState)
	mux.HandleFunc("PUT /api/v1alpha1/things/{application}/things/{name}/desiredStates/{state}", a.handleDesiredState)
	mux.HandleFunc("PUT /api/v1alpha1/things/{application}/things/{name}/reconciliations", a.handleReconciliations)
	mux.HandleFunc("PUT /api/v1alpha1/things/{application}/things/{name}/annotations", a.handleAnnotations)
	mux.HandleFunc("GET /api/v1alpha1/things/{application}/things/{name}/notifications", a.handleNotifications)
}

func idOf(r *http.Request) service.ID {
	return service.NewID(r.PathValue("application"), r.PathValue("name"))
}

// errorInformation is the error payload of the API.
type errorInformation struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var validation *machine.ValidationError

	status := http.StatusInternalServerError
	kind := "InternalError"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, kind = http.StatusNotFound, "NotFound"
	case errors.Is(err, store.ErrAlreadyExists):
		status, kind = http.StatusConflict, "AlreadyExists"
	case errors.Is(err, store.ErrPreconditionFailed):
		status, kind = http.StatusPreconditionFailed, "PreconditionFailed"
	case errors.Is(err, store.ErrNotAllowed):
		status, kind = http.StatusForbidden, "NotAllowed"
	case errors.Is(err, service.ErrUncleanOutbox):
		status, kind = http.StatusConflict, "UncleanOutbox"
	case errors.As(err, &validation):
		status, kind = http.StatusUnprocessableEntity, "Validation"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorInformation{Error: kind, Message: err.Error()})
}

func writeThing(w http.ResponseWriter, thing *model.Thing) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(thing.StripInternal())
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var thing model.Thing
	if err := json.NewDecoder(r.Body).Decode(&thing); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := a.service.Create(r.Context(), &thing)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created.StripInternal())
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	thing, err := a.service.Get(r.Context(), idOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeThing(w, thing)
}

func (a *API) handleReplace(w http.ResponseWriter, r *http.Request) {
	var thing model.Thing
	if err := json.NewDecoder(r.Body).Decode(&thing); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updated, err := a.service.Update(r.Context(), idOf(r), service.Replace{Thing: &thing}, service.UpdateOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeThing(w, updated)
}

func (a *API) handlePatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var updater service.Updater
	switch {
	case strings.Contains(r.Header.Get("Content-Type"), "application/merge-patch+json"):
		updater = service.JSONMergeUpdater{Merge: body}
	default:
		updater = service.JSONPatchUpdater{Patch: body}
	}

	updated, err := a.service.Update(r.Context(), idOf(r), updater, service.UpdateOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeThing(w, updated)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	precond := &store.Precondition{
		UID:             r.URL.Query().Get("uid"),
		ResourceVersion: r.URL.Query().Get("resourceVersion"),
	}
	if _, err := a.service.Delete(r.Context(), idOf(r), precond); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReportedStates(w http.ResponseWriter, r *http.Request) {
	var state map[string]any
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updater := service.ReportedStateUpdater{State: state, Mode: service.UpdateModeMerge}
	updated, err := a.service.Update(r.Context(), idOf(r), updater, service.UpdateOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeThing(w, updated)
}

func (a *API) handleSyntheticState(w http.ResponseWriter, r *http.Request) {
	var typ model.SyntheticType
	if err := json.NewDecoder(r.Body).Decode(&typ); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updater := service.SyntheticStateUpdater{Name: r.PathValue("state"), Type: typ}
	updated, err := a.service.Update(r.Context(), idOf(r), updater, service.UpdateOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeThing(w, updated)
}

func (a *API) handleDesiredState(w http.ResponseWriter, r *http.Request) {
	var update service.DesiredStateUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updater := service.DesiredStateUpdater{Name: r.PathValue("state"), Doc: update}
	updated, err := a.service.Update(r.Context(), idOf(r), updater, service.UpdateOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeThing(w, updated)
}

func (a *API) handleReconciliations(w http.ResponseWriter, r *http.Request) {
	var recon model.Reconciliation
	if err := json.NewDecoder(r.Body).Decode(&recon); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updater := service.ReconciliationUpdater{Reconciliation: recon}
	updated, err := a.service.Update(r.Context(), idOf(r), updater, service.UpdateOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeThing(w, updated)
}

func (a *API) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	var annotations map[string]*string
	if err := json.NewDecoder(r.Body).Decode(&annotations); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updater := service.AnnotationsUpdater{Annotations: annotations}
	updated, err := a.service.Update(r.Context(), idOf(r), updater, service.UpdateOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeThing(w, updated)
}

// wsMessage is the envelope sent on the notification socket.
type wsMessage struct {
	Type       string       `json:"type"` // initial, change, lag
	Thing      *model.Thing `json:"thing,omitempty"`
	LostEvents int          `json:"lostEvents,omitempty"`
}

// handleNotifications streams changes of one thing. The subscriber first
// receives the current persisted state, then only changes with a generation
// beyond it.
func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if a.wsCount.Load() >= maxWSConnections {
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}

	id := idOf(r)

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.wsCount.Add(1)
	observability.ConnectedSubscribers.Inc()
	defer func() {
		a.wsCount.Add(-1)
		observability.ConnectedSubscribers.Dec()
		conn.Close()
	}()

	// subscribe before the initial read, so no change can fall in between
	sub := a.fanout.Subscribe(id.Application, id.Name)
	defer sub.Unsubscribe()

	var initialGeneration int64
	current, err := a.service.Get(r.Context(), id)
	switch {
	case err == nil:
		initialGeneration = current.Metadata.Generation
		if err := writeWS(conn, wsMessage{Type: "initial", Thing: current.StripInternal()}); err != nil {
			return
		}
	case errors.Is(err, store.ErrNotFound):
		// the thing may come into existence later; stream from generation 0
	default:
		log.Printf("Failed to read initial state of %s: %v", id, err)
		return
	}

	// the reader only serves to detect a closed peer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			out := wsMessage{}
			switch {
			case msg.Change != nil:
				// suppress the duplicate of the state the subscriber
				// already read
				if msg.Change.Metadata.Generation <= initialGeneration {
					continue
				}
				out.Type = "change"
				out.Thing = msg.Change.StripInternal()
			default:
				out.Type = "lag"
				out.LostEvents = msg.Lag
			}
			if err := writeWS(conn, out); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, msg wsMessage) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(msg)
}
