package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/robobridge/robobridge/hub/ingress"
	"github.com/robobridge/robobridge/hub/lifecycle"
	"github.com/robobridge/robobridge/pkg/healthcheck"
	"github.com/robobridge/robobridge/pkg/rpa"
	"github.com/robobridge/robobridge/pkg/statestore"
)

// RPAClient is the slice of the queue client the diagnostics endpoints use.
type RPAClient interface {
	Submit(ctx context.Context, item rpa.QueueItem, opts rpa.Options) rpa.Result
	TestAuth(ctx context.Context, tenant string) error
}

type handler struct {
	pipeline      *ingress.Pipeline
	manager       *lifecycle.Manager
	store         statestore.Store
	rpa           RPAClient
	health        *healthcheck.HealthChecker
	defaultTenant string
}

type jsonError struct {
	Error string `json:"error"`
}

func renderJSONError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	log.Error(err.Error())
	rsp, _ := json.Marshal(jsonError{Error: err.Error()})
	w.WriteHeader(status)
	w.Write(rsp)
}

func renderJSON(w http.ResponseWriter, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	raw, err := json.Marshal(resp)
	if err != nil {
		renderJSONError(w, err, http.StatusInternalServerError)
		return
	}
	w.Write(raw)
}

// statusFor maps manager errors onto management-endpoint status codes.
func statusFor(err error) int {
	var verr *lifecycle.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *handler) handleIngress(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if h.pipeline == nil {
		// Acknowledge anyway; the platform must never see an error here.
		w.WriteHeader(http.StatusOK)
		return
	}
	h.pipeline.Handle(w, req)
}

func (h *handler) handleListSubscriptions(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	views, err := h.manager.List(req.Context())
	if err != nil {
		renderJSONError(w, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, map[string]interface{}{"subscriptions": views})
}

func (h *handler) handleCreateSubscription(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var createReq lifecycle.CreateRequest
	if err := json.NewDecoder(req.Body).Decode(&createReq); err != nil {
		renderJSONError(w, fmt.Errorf("decoding request: %w", err), http.StatusBadRequest)
		return
	}

	created, err := h.manager.Create(req.Context(), createReq)
	if err != nil {
		renderJSONError(w, err, statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	raw, _ := json.Marshal(created)
	w.Write(raw)
}

func (h *handler) handleDeleteSubscription(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	id := req.URL.Query().Get("id")

	// A JSON body naming the id wins over the query parameter.
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err == nil && body.ID != "" {
		id = body.ID
	}

	if err := h.manager.Delete(req.Context(), id); err != nil {
		renderJSONError(w, err, statusFor(err))
		return
	}
	renderJSON(w, map[string]string{"deleted": id})
}

func (h *handler) handleSync(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	summary, err := h.manager.Reconcile(req.Context())
	if err != nil {
		renderJSONError(w, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, summary)
}

// statesInitRequest seeds change-detection baselines for a whole resource.
type statesInitRequest struct {
	Resource string                            `json:"resource"`
	Items    map[string]map[string]interface{} `json:"items"`
}

func (h *handler) handleStatesInit(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if h.store == nil {
		renderJSONError(w, errors.New("no state store configured"), http.StatusServiceUnavailable)
		return
	}

	var initReq statesInitRequest
	if err := json.NewDecoder(req.Body).Decode(&initReq); err != nil {
		renderJSONError(w, fmt.Errorf("decoding request: %w", err), http.StatusBadRequest)
		return
	}
	if initReq.Resource == "" || len(initReq.Items) == 0 {
		renderJSONError(w, errors.New("resource and items are required"), http.StatusBadRequest)
		return
	}

	if err := h.store.BatchInit(req.Context(), initReq.Resource, initReq.Items); err != nil {
		renderJSONError(w, err, http.StatusInternalServerError)
		return
	}
	log.Infof("seeded %d baselines on %s", len(initReq.Items), initReq.Resource)
	renderJSON(w, map[string]interface{}{
		"resource": initReq.Resource,
		"seeded":   len(initReq.Items),
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if h.health == nil {
		renderJSON(w, map[string]interface{}{"healthy": true, "checks": []struct{}{}})
		return
	}

	results, healthy := h.health.RunChecks(req.Context(), nil)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := json.Marshal(map[string]interface{}{
		"healthy": healthy,
		"checks":  results,
	})
	w.Write(raw)
}

func (h *handler) handleRPATestGet(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if h.rpa == nil {
		renderJSON(w, map[string]interface{}{"enabled": false})
		return
	}

	tenant := req.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = h.defaultTenant
	}

	resp := map[string]interface{}{
		"enabled": true,
		"tenant":  tenant,
	}
	if err := h.rpa.TestAuth(req.Context(), tenant); err != nil {
		resp["authenticated"] = false
		resp["error"] = err.Error()
	} else {
		resp["authenticated"] = true
	}
	renderJSON(w, resp)
}

// rpaTestRequest is a manual queue submission, the operator's utility for
// verifying a queue end to end.
type rpaTestRequest struct {
	Queue    string                 `json:"queue"`
	Tenant   string                 `json:"tenant,omitempty"`
	FolderID string                 `json:"folder,omitempty"`
	Priority string                 `json:"priority,omitempty"`
	Content  map[string]interface{} `json:"content,omitempty"`
}

func (h *handler) handleRPATestPost(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if h.rpa == nil {
		renderJSONError(w, errors.New("RPA submission is disabled"), http.StatusServiceUnavailable)
		return
	}

	var testReq rpaTestRequest
	if err := json.NewDecoder(req.Body).Decode(&testReq); err != nil {
		renderJSONError(w, fmt.Errorf("decoding request: %w", err), http.StatusBadRequest)
		return
	}
	if testReq.Queue == "" {
		renderJSONError(w, errors.New("queue is required"), http.StatusBadRequest)
		return
	}

	priority := testReq.Priority
	if priority == "" {
		priority = rpa.PriorityLow
	}
	content := testReq.Content
	if content == nil {
		content = map[string]interface{}{"source": "manual diagnostics"}
	}

	result := h.rpa.Submit(req.Context(), rpa.QueueItem{
		Priority:        priority,
		Reference:       fmt.Sprintf("MANUAL_%d", time.Now().UnixMilli()),
		SpecificContent: content,
	}, rpa.Options{
		Queue:    testReq.Queue,
		Tenant:   testReq.Tenant,
		FolderID: testReq.FolderID,
	})

	status := http.StatusOK
	if !result.Accepted() {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := json.Marshal(result)
	w.Write(raw)
}
