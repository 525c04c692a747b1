package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/stream"
)

// JobWorkflowResponse is the body of GET /jobs/{jobID}/workflow.
type JobWorkflowResponse struct {
	Data   *WorkflowData `json:"data"`
	Status StatusInfo    `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the dashboard read model as JSON.
type Handler struct {
	provider *Provider
	store    correlation.Store
	logger   *slog.Logger
	now      func() time.Time
	sse      *stream.SSEHandler
	mux      *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger used for request failures.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock replaces time.Now when computing durations and estimates.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithStream adds the live routes backed by sse.
func WithStream(sse *stream.SSEHandler) HandlerOption {
	return func(h *Handler) { h.sse = sse }
}

// NewHandler builds the routes:
//
//	GET /jobs/{jobID}/workflow
//	GET /instances/{instanceID}/result
//	GET /mappings
//
// and, with WithStream:
//
//	GET /jobs/{jobID}/events   job and outcome events as text/event-stream
//	GET /stream?topic=...      any broker topics
func NewHandler(provider *Provider, opts ...HandlerOption) *Handler {
	h := &Handler{
		provider: provider,
		store:    provider.store,
		logger:   provider.logger,
		now:      time.Now,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux.HandleFunc("GET /jobs/{jobID}/workflow", h.jobWorkflow)
	h.mux.HandleFunc("GET /instances/{instanceID}/result", h.instanceResult)
	h.mux.HandleFunc("GET /mappings", h.mappings)
	if h.sse != nil {
		h.mux.HandleFunc("GET /jobs/{jobID}/events", h.jobEvents)
		h.mux.Handle("GET /stream", h.sse)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) jobWorkflow(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	data, err := h.provider.WorkflowData(r.Context(), jobID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if data == nil {
		h.write(w, http.StatusNotFound, errorResponse{Error: "no workflow for job " + jobID})
		return
	}
	h.write(w, http.StatusOK, JobWorkflowResponse{
		Data:   data,
		Status: CalculateStatus(data, h.now().UTC()),
	})
}

func (h *Handler) instanceResult(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instanceID")
	o, err := h.store.ResultFor(r.Context(), instanceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if o == nil {
		h.write(w, http.StatusNotFound, errorResponse{Error: "no outcome for instance " + instanceID})
		return
	}
	h.write(w, http.StatusOK, o)
}

func (h *Handler) mappings(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.Mappings(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, m)
}

// jobEvents follows the job and, once mapped, its workflow instance.
func (h *Handler) jobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	topics := []string{stream.JobTopic(jobID)}
	instanceID, err := h.store.InstanceIDFor(r.Context(), jobID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if instanceID != "" {
		topics = append(topics, stream.InstanceTopic(instanceID))
	}
	h.sse.ServeTopics(w, r, topics...)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("dashboard request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	h.write(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
}

func (h *Handler) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("dashboard response not written", slog.String("error", err.Error()))
	}
}
