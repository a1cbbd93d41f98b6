// -----------------------------------------------------------------------
// Pipeline Handler - Start, query and retry endpoints for one pipeline type
// -----------------------------------------------------------------------

package handlers

import (
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/pipeline"
)

// PipelineHandler serves one registered pipeline type at a single path.
// POST with no action starts a run; GET dispatches on ?action=; POST with
// ?action=retry restarts from a job.
type PipelineHandler struct {
	pipelineType string
	engine       *pipeline.Engine
	query        *pipeline.Query
	logger       arbor.ILogger
	enableDebug  bool
}

// NewPipelineHandler creates a handler bound to one pipeline type.
func NewPipelineHandler(pipelineType string, engine *pipeline.Engine, query *pipeline.Query, logger arbor.ILogger, enableDebug bool) *PipelineHandler {
	return &PipelineHandler{
		pipelineType: pipelineType,
		engine:       engine,
		query:        query,
		logger:       logger,
		enableDebug:  enableDebug,
	}
}

type startBody struct {
	Input      any            `json:"input"`
	JobOptions map[string]any `json:"jobOptions"`
}

type retryBody struct {
	JobName    string         `json:"jobName"`
	JobOptions map[string]any `json:"jobOptions"`
}

// ServeHTTP routes the request by method and action.
func (h *PipelineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")

	switch r.Method {
	case http.MethodPost:
		switch action {
		case "":
			h.handleStart(w, r)
		case "retry":
			h.handleRetry(w, r)
		default:
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q for POST (valid: retry)", action))
		}
	case http.MethodGet:
		switch action {
		case "status", "":
			h.handleStatus(w, r)
		case "result":
			h.handleResult(w, r)
		case "list":
			h.handleList(w, r)
		case "job":
			h.handleJob(w, r)
		case "pipeline":
			h.handlePipeline(w, r)
		default:
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q for GET (valid: status, result, list, job, pipeline)", action))
		}
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *PipelineHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := DecodeBody(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if body.Input == nil {
		WriteError(w, http.StatusBadRequest, "input is required")
		return
	}

	result, err := h.engine.StartPipeline(r.Context(), h.pipelineType, pipeline.StartRequest{
		Data:       body.Input,
		JobOptions: body.JobOptions,
	}, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("pipeline_type", h.pipelineType).Msg("Pipeline start failed")
		WriteDomainError(w, err)
		return
	}

	WriteSuccess(w, http.StatusOK, result)
}

// pipelineIDParam reads the pipeline ID from the query string. The canonical
// parameter is id; pipelineId is accepted as an alias.
func pipelineIDParam(r *http.Request) string {
	if id := r.URL.Query().Get("id"); id != "" {
		return id
	}
	return r.URL.Query().Get("pipelineId")
}

func (h *PipelineHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	pipelineID := pipelineIDParam(r)
	if pipelineID == "" {
		WriteError(w, http.StatusBadRequest, "id is required")
		return
	}

	var body retryBody
	if err := DecodeBody(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if body.JobName == "" {
		WriteError(w, http.StatusBadRequest, "jobName is required")
		return
	}

	result, err := h.engine.RestartPipelineFromJob(r.Context(), pipelineID, pipeline.RestartRequest{
		FromJobName: body.JobName,
		JobOptions:  body.JobOptions,
	}, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("pipeline_id", pipelineID).Msg("Pipeline retry failed")
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, result)
}

func (h *PipelineHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	pipelineID := pipelineIDParam(r)
	if pipelineID == "" {
		WriteError(w, http.StatusBadRequest, "id is required")
		return
	}

	status, err := h.query.GetStatus(r.Context(), pipelineID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, status)
}

func (h *PipelineHandler) handleResult(w http.ResponseWriter, r *http.Request) {
	pipelineID := pipelineIDParam(r)
	if pipelineID == "" {
		WriteError(w, http.StatusBadRequest, "id is required")
		return
	}

	result, err := h.query.GetResult(r.Context(), pipelineID, r.URL.Query().Get("jobName"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, result)
}

func (h *PipelineHandler) handleList(w http.ResponseWriter, r *http.Request) {
	opts := GetPaginationParams(r)
	opts.PipelineType = h.pipelineType

	page, err := h.query.List(r.Context(), opts)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, page)
}

func (h *PipelineHandler) handleJob(w http.ResponseWriter, r *http.Request) {
	if !h.requireDebug(w) {
		return
	}
	pipelineID := pipelineIDParam(r)
	jobName := r.URL.Query().Get("jobName")
	if pipelineID == "" || jobName == "" {
		WriteError(w, http.StatusBadRequest, "id and jobName are required")
		return
	}

	job, err := h.query.GetJob(r.Context(), pipelineID, jobName)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, job)
}

func (h *PipelineHandler) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if !h.requireDebug(w) {
		return
	}
	pipelineID := pipelineIDParam(r)
	if pipelineID == "" {
		WriteError(w, http.StatusBadRequest, "id is required")
		return
	}

	state, err := h.query.GetPipeline(r.Context(), pipelineID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if state == nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("pipeline %s not found", pipelineID))
		return
	}
	WriteSuccess(w, http.StatusOK, state)
}

func (h *PipelineHandler) requireDebug(w http.ResponseWriter) bool {
	if !h.enableDebug {
		WriteError(w, http.StatusForbidden, "debug endpoints are disabled")
		return false
	}
	return true
}
