package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/normalize"
	"github.com/perimetra/asm/internal/queue"
	"github.com/perimetra/asm/internal/store"
)

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string       `json:"name"`
		RootDomain string       `json:"root_domain"`
		Scope      models.JSONB `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rootNorm, err := normalize.Domain(req.RootDomain)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid root_domain: "+err.Error())
		return
	}

	existing, err := s.store.GetTargetByDomain(r.Context(), rootNorm)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing != nil {
		s.respondError(w, http.StatusConflict, "target already exists for root domain")
		return
	}

	name := req.Name
	if name == "" {
		name = rootNorm
	}
	target := &models.Target{
		Name:       name,
		RootDomain: rootNorm,
		Scope:      req.Scope,
	}
	if target.Scope == nil {
		target.Scope = models.JSONB{}
	}
	if err := s.store.CreateTarget(r.Context(), target); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.audit(r, target.ID, nil, "target_created", models.JSONB{"root_domain": rootNorm})
	s.respond(w, http.StatusCreated, target)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, targets)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}
	s.respond(w, http.StatusOK, target)
}

// handleStartPipeline creates a run and its pipeline job. At most one
// non-terminal pipeline run may exist per target; a second start is a 409.
func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}

	var req struct {
		MaxHosts       int `json:"max_hosts"`
		MaxHTTPTargets int `json:"max_http_targets"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	active, err := s.store.ActivePipelineRun(r.Context(), target.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if active != nil {
		s.respondError(w, http.StatusConflict, "target already has an active pipeline run")
		return
	}

	runConfig := models.JSONB{}
	if req.MaxHosts > 0 {
		runConfig["max_hosts"] = req.MaxHosts
	}
	if req.MaxHTTPTargets > 0 {
		runConfig["max_http_targets"] = req.MaxHTTPTargets
	}

	run := &models.Run{
		TargetID: target.ID,
		Trigger:  models.TriggerManual,
		Status:   models.RunStatusQueued,
		Config:   runConfig,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job := &models.Job{
		Type:     models.JobTypePipeline,
		TargetID: target.ID,
		RunID:    &run.ID,
		Payload:  runConfig,
		Priority: queue.PriorityNormal,
	}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.audit(r, target.ID, &run.ID, "pipeline_requested", models.JSONB{"job_id": job.ID.String()})
	s.respond(w, http.StatusAccepted, map[string]string{
		"run_id": run.ID.String(),
		"job_id": job.ID.String(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	runs, err := s.store.ListRuns(r.Context(), target.ID, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	s.respond(w, http.StatusOK, run)
}

// handleDiscardRun transitions a non-terminal run to discarded and cascades
// cancellation to its jobs.
func (s *Server) handleDiscardRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}

	discarded, err := s.store.DiscardRun(r.Context(), run.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !discarded {
		s.respondError(w, http.StatusConflict, "run is already terminal")
		return
	}
	if err := s.queue.CancelRunJobs(r.Context(), run.ID, "run discarded"); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.audit(r, run.TargetID, &run.ID, "run_discarded", nil)
	s.respond(w, http.StatusOK, map[string]string{"status": "discarded"})
}

// handleVerifyStale enqueues verification jobs for every currently-stale
// artifact of the target, attached to the given run.
func (s *Server) handleVerifyStale(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil || run.TargetID != target.ID {
		s.respondError(w, http.StatusNotFound, "run not found")
		return
	}

	stale := models.StatusStale
	assets, err := s.store.ListAssets(r.Context(), target.ID, store.ListInventoryFilters{Status: &stale})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	services, err := s.store.ListServices(r.Context(), target.ID, store.ListInventoryFilters{Status: &stale})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	enqueued := 0
	for _, a := range assets {
		job := &models.Job{
			Type:     models.JobTypeVerifyAsset,
			TargetID: target.ID,
			RunID:    &run.ID,
			Payload:  models.JSONB{"asset_id": a.ID.String()},
			Priority: queue.PriorityVerify,
		}
		if err := s.queue.Enqueue(r.Context(), job); err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		enqueued++
	}
	for _, svc := range services {
		job := &models.Job{
			Type:     models.JobTypeVerifyService,
			TargetID: target.ID,
			RunID:    &run.ID,
			Payload:  models.JSONB{"service_id": svc.ID.String()},
			Priority: queue.PriorityVerify,
		}
		if err := s.queue.Enqueue(r.Context(), job); err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		enqueued++
	}

	s.audit(r, target.ID, &run.ID, "verification_requested", models.JSONB{"jobs": enqueued})
	s.respond(w, http.StatusAccepted, map[string]int{"enqueued": enqueued})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}
	filters := inventoryFilters(r)
	assets, err := s.store.ListAssets(r.Context(), target.ID, filters)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, assets)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}
	filters := inventoryFilters(r)
	services, err := s.store.ListServices(r.Context(), target.ID, filters)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, services)
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}
	limit, _ := pagination(r)
	edges, err := s.store.ListEdges(r.Context(), target.ID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, edges)
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	filters := store.ListFindingFilters{Limit: limit, Offset: offset}
	if rid := r.URL.Query().Get("run_id"); rid != "" {
		if id, err := uuid.Parse(rid); err == nil {
			filters.RunID = &id
		}
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		severity := models.Severity(sev)
		filters.Severity = &severity
	}
	findings, err := s.store.ListFindings(r.Context(), target.ID, filters)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, findings)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}
	limit, _ := pagination(r)
	var runID *uuid.UUID
	if rid := r.URL.Query().Get("run_id"); rid != "" {
		if id, err := uuid.Parse(rid); err == nil {
			runID = &id
		}
	}
	scans, err := s.store.ListScans(r.Context(), target.ID, runID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, scans)
}

func (s *Server) handleRunChanges(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}
	rid := r.URL.Query().Get("run_id")
	runID, err := uuid.Parse(rid)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "run_id query parameter required")
		return
	}
	changes, err := s.store.GetRunChanges(r.Context(), target.ID, runID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, changes)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	limit, _ := pagination(r)
	evs, err := s.store.ListRunEvents(r.Context(), run.ID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, evs)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}

	var req struct {
		IntervalSeconds  int          `json:"interval_seconds"`
		Enabled          *bool        `json:"enabled"`
		PipelineConfig   models.JSONB `json:"pipeline_config"`
		StartImmediately bool         `json:"start_immediately"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IntervalSeconds < 60 {
		s.respondError(w, http.StatusBadRequest, "interval_seconds must be at least 60")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &models.Schedule{
		TargetID:        target.ID,
		IntervalSeconds: req.IntervalSeconds,
		Enabled:         enabled,
		PipelineConfig:  req.PipelineConfig,
	}
	if sched.PipelineConfig == nil {
		sched.PipelineConfig = models.JSONB{}
	}

	next := time.Now().Add(time.Duration(req.IntervalSeconds) * time.Second)
	if req.StartImmediately {
		next = time.Now()
	}
	sched.NextRunAt = &next

	if err := s.store.CreateSchedule(r.Context(), sched); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.audit(r, target.ID, nil, "schedule_created", models.JSONB{
		"schedule_id": sched.ID.String(), "interval_seconds": req.IntervalSeconds,
	})
	s.respond(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(w, r)
	if !ok {
		return
	}
	schedules, err := s.store.ListSchedules(r.Context(), target.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, schedules)
}

func (s *Server) target(w http.ResponseWriter, r *http.Request) (*models.Target, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "targetID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid target id")
		return nil, false
	}
	target, err := s.store.GetTarget(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if target == nil {
		s.respondError(w, http.StatusNotFound, "target not found")
		return nil, false
	}
	return target, true
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) (*models.Run, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid run id")
		return nil, false
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if run == nil {
		s.respondError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return run, true
}

func (s *Server) audit(r *http.Request, targetID uuid.UUID, runID *uuid.UUID, kind string, detail models.JSONB) {
	ev := &models.RunEvent{
		TargetID: targetID,
		RunID:    runID,
		Kind:     kind,
		Detail:   detail,
		Actor:    "api",
	}
	if err := s.store.LogEvent(r.Context(), ev); err != nil {
		s.logger.Warn("audit write failed", "kind", kind, "error", err)
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func inventoryFilters(r *http.Request) store.ListInventoryFilters {
	limit, offset := pagination(r)
	filters := store.ListInventoryFilters{Limit: limit, Offset: offset}
	if t := r.URL.Query().Get("type"); t != "" {
		typ := models.AssetType(t)
		filters.Type = &typ
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := models.ArtifactStatus(st)
		filters.Status = &status
	}
	return filters
}
