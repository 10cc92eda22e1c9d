package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/weftlabs/weft/internal/approval"
	"github.com/weftlabs/weft/internal/build"
	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/examples"
)

// decodeJSON reads a required JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return core.Coded(core.CodeInvalidInput, "request body is required")
	}
	return translateDecodeErr(err)
}

// decodeOptionalJSON reads a body into v when one is present. An empty body
// leaves v untouched.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return translateDecodeErr(err)
}

func translateDecodeErr(err error) error {
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return core.Coded(core.CodeRequestTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
	}
	return core.Coded(core.CodeInvalidInput, "invalid JSON body: %v", err)
}

func queryInt(q url.Values, key string, def int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, core.Coded(core.CodeInvalidInput, "query parameter %s must be an integer, got %q", key, raw)
	}
	return n, nil
}

func queryInt64(q url.Values, key string, def int64) (int64, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, core.Coded(core.CodeInvalidInput, "query parameter %s must be an integer, got %q", key, raw)
	}
	return n, nil
}

type startResponse struct {
	RunID   string           `json:"run_id"`
	DAGName string           `json:"dag_name"`
	Blocks  []core.BlockDef  `json:"blocks"`
	Edges   []core.Edge      `json:"edges"`
	SSEURL  string           `json:"sse_url"`
	Queued  bool             `json:"queued"`
	Queue   *queueInfoView   `json:"queue,omitempty"`
}

type queueInfoView struct {
	Status   core.QueueStatus `json:"status"`
	Position int              `json:"position"`
	Depth    int              `json:"depth"`
}

// handleStartRun admits a run: 201 when it launches immediately, 202 when the
// concurrency cap sends it to the durable queue.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req core.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	req.RunID = ""

	res, err := s.engine.StartRun(r.Context(), &req)
	if err != nil {
		renderError(w, r, err)
		return
	}

	resp := startResponse{
		RunID:   res.RunID,
		DAGName: res.DAGName,
		Blocks:  res.DAG.Blocks,
		Edges:   res.DAG.Edges,
		SSEURL:  s.sseURL(res.RunID),
		Queued:  res.Queued,
	}
	if resp.Edges == nil {
		resp.Edges = []core.Edge{}
	}
	if res.Queue != nil {
		resp.Queue = &queueInfoView{
			Status:   res.Queue.Status,
			Position: res.Queue.Position,
			Depth:    res.Queue.Depth,
		}
	}

	status := http.StatusCreated
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// maxListLimit bounds a single page of the run listing.
const maxListLimit = 200

type runSummary struct {
	ID        string         `json:"id"`
	DAGName   string         `json:"dag_name"`
	Status    core.RunStatus `json:"status"`
	Live      bool           `json:"live"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type listRunsResponse struct {
	Runs       []runSummary `json:"runs"`
	Pagination pagination   `json:"pagination"`
}

type pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var statuses []core.RunStatus
	for _, raw := range q["status"] {
		st := core.RunStatus(raw)
		if !st.Valid() {
			renderError(w, r, core.Coded(core.CodeInvalidInput, "unknown status %q", raw))
			return
		}
		statuses = append(statuses, st)
	}

	limit, err := queryInt(q, "limit", 50)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if limit < 1 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := queryInt(q, "offset", 0)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if offset < 0 {
		offset = 0
	}

	opts := []core.ListRunsOption{core.WithLimit(limit), core.WithOffset(offset)}
	if len(statuses) > 0 {
		opts = append(opts, core.WithStatuses(statuses...))
	}

	rows, total, err := s.engine.ListRuns(r.Context(), opts...)
	if err != nil {
		renderError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listRunsResponse{
		Runs: lo.Map(rows, func(row *core.RunRow, _ int) runSummary {
			return runSummary{
				ID:        row.ID,
				DAGName:   row.DAGName,
				Status:    row.Status,
				Live:      s.engine.LiveSession(row.ID) != nil,
				CreatedAt: row.CreatedAt,
				UpdatedAt: row.UpdatedAt,
			}
		}),
		Pagination: pagination{Total: total, Limit: limit, Offset: offset},
	})
}

type runDetailResponse struct {
	Run           *core.Run             `json:"run"`
	DAG           *core.DAGDef          `json:"dag"`
	Approval      *core.ApprovalRequest `json:"approval,omitempty"`
	Events        []core.Event          `json:"events"`
	Trace         *core.Trace           `json:"trace,omitempty"`
	Durable       bool                  `json:"durable,omitempty"`
	Reconstructed bool                  `json:"reconstructed,omitempty"`
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.RunDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, err)
		return
	}

	resp := runDetailResponse{
		Run:           detail.Row.Run,
		DAG:           detail.Row.DAG,
		Approval:      detail.Approval,
		Events:        detail.Events,
		Trace:         detail.Row.Trace,
		Durable:       !detail.Live,
		Reconstructed: detail.Row.Reconstructed,
	}
	if resp.Events == nil {
		resp.Events = []core.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type replayResponse struct {
	Events    []core.Event `json:"events"`
	NextSince int64        `json:"next_since"`
}

// handleReplay pages a run's event log after a sequence number. Clients poll
// with the returned next_since when they cannot hold an SSE stream open.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt64(r.URL.Query(), "since", 0)
	if err != nil {
		renderError(w, r, err)
		return
	}

	events, err := s.engine.Replay(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		renderError(w, r, err)
		return
	}

	next := since
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	if events == nil {
		events = []core.Event{}
	}
	writeJSON(w, http.StatusOK, replayResponse{Events: events, NextSince: next})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

type stopResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var body stopRequest
	if err := decodeOptionalJSON(r, &body); err != nil {
		renderError(w, r, err)
		return
	}

	mode, err := s.engine.Stop(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Status: "cancelled", Mode: mode})
}

type stopAllResponse struct {
	OK              bool `json:"ok"`
	Stopped         int  `json:"stopped"`
	CancelledQueued int  `json:"cancelled_queued"`
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	var body stopRequest
	if err := decodeOptionalJSON(r, &body); err != nil {
		renderError(w, r, err)
		return
	}

	stopped, dequeued, err := s.engine.StopAll(r.Context(), body.Reason)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stopAllResponse{OK: true, Stopped: stopped, CancelledQueued: dequeued})
}

type decisionResponse struct {
	OK            bool           `json:"ok"`
	Decision      string         `json:"decision"`
	RunStatus     core.RunStatus `json:"run_status"`
	IteratedRunID string         `json:"iterated_run_id,omitempty"`
}

// handleApproval decides a pending approval. Without a token path segment the
// decision lands on the run's latest pending request.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var d core.ApprovalDecision
	if err := decodeJSON(r, &d); err != nil {
		renderError(w, r, err)
		return
	}

	token := chi.URLParam(r, "token")
	if token == "" {
		token = approval.TokenLatest
	}

	res, err := s.approvals.Decide(r.Context(), chi.URLParam(r, "id"), token, d)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{
		OK:            true,
		Decision:      res.Decision,
		RunStatus:     res.RunStatus,
		IteratedRunID: res.IteratedRunID,
	})
}

func (s *Server) handleLatestApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.approvals.Latest(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDecideLatest(w http.ResponseWriter, r *http.Request) {
	var d core.ApprovalDecision
	if err := decodeJSON(r, &d); err != nil {
		renderError(w, r, err)
		return
	}

	res, err := s.approvals.DecideLatest(r.Context(), d)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{
		OK:            true,
		Decision:      res.Decision,
		RunStatus:     res.RunStatus,
		IteratedRunID: res.IteratedRunID,
	})
}

type queueListResponse struct {
	Entries []*core.QueueEntry `json:"entries"`
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.QueueEntries(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*core.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, queueListResponse{Entries: entries})
}

type queueUpdateRequest struct {
	Priority   *int `json:"priority"`
	ManualRank *int `json:"manual_rank"`
}

func (s *Server) handleQueueUpdate(w http.ResponseWriter, r *http.Request) {
	var body queueUpdateRequest
	if err := decodeJSON(r, &body); err != nil {
		renderError(w, r, err)
		return
	}
	if body.Priority == nil && body.ManualRank == nil {
		renderError(w, r, core.Coded(core.CodeInvalidInput, "priority or manual_rank is required"))
		return
	}

	if err := s.engine.UpdateQueueEntry(r.Context(), chi.URLParam(r, "id"), body.Priority, body.ManualRank); err != nil {
		renderError(w, r, err)
		return
	}
	s.engine.Kick()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type queueReorderRequest struct {
	RunIDs []string `json:"run_ids"`
}

func (s *Server) handleQueueReorder(w http.ResponseWriter, r *http.Request) {
	var body queueReorderRequest
	if err := decodeJSON(r, &body); err != nil {
		renderError(w, r, err)
		return
	}
	if len(body.RunIDs) == 0 {
		renderError(w, r, core.Coded(core.CodeInvalidInput, "run_ids must not be empty"))
		return
	}

	if err := s.engine.ReorderQueue(r.Context(), body.RunIDs); err != nil {
		renderError(w, r, err)
		return
	}
	s.engine.Kick()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Safety.View(s.cfg.Server.APIKey != ""))
}

type exampleSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Builtin     bool     `json:"builtin"`
	Blocks      []string `json:"blocks"`
}

func (s *Server) handleExamples(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]exampleSummary{
		"examples": lo.Map(s.examples.List(), func(ex *examples.Example, _ int) exampleSummary {
			return exampleSummary{
				Name:        ex.Name,
				Description: ex.Description,
				Builtin:     ex.Builtin,
				Blocks: lo.Map(ex.DAG.Blocks, func(b core.BlockDef, _ int) string {
					return b.ID
				}),
			}
		}),
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: build.Version,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
	})
}
