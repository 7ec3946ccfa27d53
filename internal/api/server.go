// Package api exposes the intake funnel over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/david/grant-intake/internal/auth"
	"github.com/david/grant-intake/internal/db"
	"github.com/david/grant-intake/internal/ingest"
	"github.com/david/grant-intake/internal/metrics"
	"github.com/david/grant-intake/internal/models"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// RunLister lists recorded batch runs.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]models.IngestRun, error)
}

type Server struct {
	Pipeline *ingest.Pipeline
	Issuer   *auth.Issuer
	Metrics  *metrics.Metrics
	Runs     RunLister
	Echo     *echo.Echo

	now func() time.Time

	// Background batch tracking
	jobMu      sync.Mutex
	runningJob *backgroundJob
}

type backgroundJob struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"` // running, completed, failed
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Run       *models.IngestRun  `json:"run,omitempty"`
	Cancel    context.CancelFunc `json:"-"`
}

type Options struct {
	CORSOrigins []string
	BodyLimit   string
}

func NewServer(p *ingest.Pipeline, issuer *auth.Issuer, m *metrics.Metrics, runs RunLister, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	if len(opts.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, auth.AdminSecretHeader},
		}))
	}
	if opts.BodyLimit == "" {
		opts.BodyLimit = "4M"
	}
	e.Use(middleware.BodyLimit(opts.BodyLimit))

	s := &Server{
		Pipeline: p,
		Issuer:   issuer,
		Metrics:  m,
		Runs:     runs,
		Echo:     e,
		now:      func() time.Time { return time.Now().UTC() },
	}

	s.routes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	})
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	if s.Metrics != nil {
		s.Echo.GET("/metrics", echo.WrapHandler(s.Metrics.Handler()))
	}

	api := s.Echo.Group("/api/v1")
	api.POST("/records", s.handleSubmitRecord)
	api.POST("/records/batch", s.handleSubmitBatch)
	api.GET("/decisions/:id", s.handleGetDecision)
	api.GET("/canonical/:id", s.handleGetCanonical)
	api.GET("/sources/health", s.handleSourcesHealth)

	api.POST("/admin/tokens", s.handleIssueToken)

	admin := api.Group("/admin")
	admin.Use(s.Issuer.Middleware)
	admin.POST("/sources/:id/reset", s.handleResetSource)
	admin.GET("/runs", s.handleListRuns)
	admin.GET("/job/:id", s.handleJobStatus)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

// Shutdown stops accepting requests and cancels a running background batch.
func (s *Server) Shutdown(ctx context.Context) error {
	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Cancel != nil {
		s.runningJob.Cancel()
	}
	s.jobMu.Unlock()
	return s.Echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

type decisionResponse struct {
	RecordID       uuid.UUID               `json:"record_id"`
	CanonicalID    *uuid.UUID              `json:"canonical_id,omitempty"`
	SourceID       string                  `json:"source_id"`
	State          models.RoutingState     `json:"state"`
	CompositeScore float64                 `json:"composite_score"`
	Reasons        []string                `json:"reasons"`
	Verdict        models.DuplicateVerdict `json:"verdict"`
	Conflicts      []models.Conflict       `json:"conflicts,omitempty"`
	DecidedAt      time.Time               `json:"decided_at"`
}

func toDecisionResponse(d models.RoutingDecision) decisionResponse {
	reasons := d.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return decisionResponse{
		RecordID:       d.RecordID,
		CanonicalID:    d.CanonicalID,
		SourceID:       d.SourceID,
		State:          d.State,
		CompositeScore: d.CompositeScore,
		Reasons:        reasons,
		Verdict:        d.Verdict,
		Conflicts:      d.Conflicts,
		DecidedAt:      d.DecidedAt,
	}
}

func (s *Server) handleSubmitRecord(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unable to read request body"})
	}

	rec, err := ingest.DecodeCandidate(body, s.now())
	if err != nil {
		return s.errorResponse(c, err)
	}

	res, err := s.Pipeline.Process(c.Request().Context(), rec)
	if err != nil {
		return s.errorResponse(c, err)
	}

	status := http.StatusCreated
	if res.Replayed || res.Decision.State == models.StateRejected {
		status = http.StatusOK
	}
	return c.JSON(status, toDecisionResponse(res.Decision))
}

type batchItemResponse struct {
	Index       int                 `json:"index"`
	RecordID    *uuid.UUID          `json:"record_id,omitempty"`
	State       models.RoutingState `json:"state,omitempty"`
	CanonicalID *uuid.UUID          `json:"canonical_id,omitempty"`
	Reasons     []string            `json:"reasons,omitempty"`
	Error       string              `json:"error,omitempty"`
	Details     []string            `json:"details,omitempty"`
}

type batchResponse struct {
	Run   models.IngestRun    `json:"run"`
	Items []batchItemResponse `json:"items"`
}

// decodeBatch decodes every payload; undecodable ones are reported with
// their index and tallied as invalid in the run.
func (s *Server) decodeBatch(raw []json.RawMessage) ([]models.CandidateRecord, []int, []batchItemResponse) {
	now := s.now()
	recs := make([]models.CandidateRecord, 0, len(raw))
	indexes := make([]int, 0, len(raw))
	var invalid []batchItemResponse
	for i, payload := range raw {
		rec, err := ingest.DecodeCandidate(payload, now)
		if err != nil {
			invalid = append(invalid, batchItemResponse{Index: i, Error: "validation failed", Details: validationDetails(err)})
			continue
		}
		recs = append(recs, rec)
		indexes = append(indexes, i)
	}
	return recs, indexes, invalid
}

func (s *Server) handleSubmitBatch(c echo.Context) error {
	var raw []json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Body must be a JSON array of records"})
	}
	if len(raw) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Batch is empty"})
	}

	label := c.QueryParam("label")
	if label == "" {
		label = "api"
	}
	recs, indexes, invalid := s.decodeBatch(raw)

	if async, _ := strconv.ParseBool(c.QueryParam("async")); async {
		return s.startBatchJob(c, label, recs, len(invalid))
	}

	items, run := s.Pipeline.ProcessBatch(c.Request().Context(), label, recs, len(invalid))
	out := batchResponse{Run: run, Items: invalid}
	for _, it := range items {
		out.Items = append(out.Items, toBatchItem(indexes[it.Index], it))
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].Index < out.Items[j].Index })
	return c.JSON(http.StatusOK, out)
}

func toBatchItem(index int, it ingest.BatchItem) batchItemResponse {
	id := it.RecordID
	item := batchItemResponse{Index: index, RecordID: &id}
	if it.Err != nil {
		item.Error = errorKind(it.Err)
		item.Details = validationDetails(it.Err)
		return item
	}
	d := it.Result.Decision
	item.State = d.State
	item.CanonicalID = d.CanonicalID
	item.Reasons = d.Reasons
	return item
}

// startBatchJob runs a batch in the background. Only one background batch
// runs at a time.
func (s *Server) startBatchJob(c echo.Context, label string, recs []models.CandidateRecord, undecodable int) error {
	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		id := s.runningJob.ID
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]string{"error": "a batch is already running", "job_id": id})
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &backgroundJob{
		ID:        uuid.NewString(),
		Status:    "running",
		StartedAt: s.now(),
		Cancel:    cancel,
	}
	s.runningJob = job
	s.jobMu.Unlock()

	go func() {
		defer cancel()
		_, run := s.Pipeline.ProcessBatch(ctx, label, recs, undecodable)

		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		job.EndedAt = s.now()
		job.Run = &run
		job.Status = "completed"
		if run.Status == models.RunFailed || run.Status == models.RunAbandoned {
			job.Status = "failed"
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "running"})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	job := s.runningJob
	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	resp := map[string]any{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Run != nil {
		resp["run"] = job.Run
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetDecision(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid record id"})
	}
	d, err := s.Pipeline.Decision(c.Request().Context(), id)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, toDecisionResponse(*d))
}

func (s *Server) handleGetCanonical(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid canonical id"})
	}
	rec, err := s.Pipeline.Canonical(c.Request().Context(), id)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleSourcesHealth(c echo.Context) error {
	rows, err := s.Pipeline.Health().List(c.Request().Context())
	if err != nil {
		return s.errorResponse(c, err)
	}
	if rows == nil {
		rows = []models.SourceHealth{}
	}
	return c.JSON(http.StatusOK, rows)
}

type resetRequest struct {
	ClearCounters bool `json:"clear_counters"`
}

func (s *Server) handleResetSource(c echo.Context) error {
	sourceID := c.Param("id")
	var req resetRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		}
	}

	delta, err := s.Pipeline.ResetSource(c.Request().Context(), sourceID, auth.OperatorFromContext(c), req.ClearCounters)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, delta)
}

type tokenRequest struct {
	Operator string `json:"operator"`
}

func (s *Server) handleIssueToken(c echo.Context) error {
	if err := s.Issuer.CheckAdminSecret(c.Request().Header.Get(auth.AdminSecretHeader)); err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	token, exp, err := s.Issuer.Issue(req.Operator)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, map[string]any{"token": token, "expires_at": exp, "operator": req.Operator})
}

func (s *Server) handleListRuns(c echo.Context) error {
	if s.Runs == nil {
		return c.JSON(http.StatusOK, []models.IngestRun{})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := s.Runs.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return s.errorResponse(c, err)
	}
	if runs == nil {
		runs = []models.IngestRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

func errorKind(err error) string {
	switch {
	case ingest.IsValidation(err):
		return "validation failed"
	case errors.Is(err, ingest.ErrSourceCircuitOpen):
		return "source circuit open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "abandoned"
	case ingest.IsDependency(err):
		return "dependency unavailable"
	default:
		return "internal error"
	}
}

func validationDetails(err error) []string {
	var many ingest.ValidationErrors
	if errors.As(err, &many) {
		out := make([]string, 0, len(many))
		for _, e := range many {
			out = append(out, e.Error())
		}
		return out
	}
	var one *ingest.ValidationError
	if errors.As(err, &one) {
		return []string{one.Error()}
	}
	return nil
}

func (s *Server) errorResponse(c echo.Context, err error) error {
	switch {
	case ingest.IsValidation(err):
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"error":   "validation failed",
			"details": validationDetails(err),
		})
	case errors.Is(err, db.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, ingest.ErrSourceCircuitOpen):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "source circuit open"})
	case ingest.IsDependency(err), errors.Is(err, context.DeadlineExceeded):
		zap.L().Warn("dependency failure", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "dependency unavailable"})
	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "request cancelled"})
	default:
		zap.L().Error("request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
