// Package handler exposes declare requests, the period read model and the
// reconciliation trigger over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"dimona/internal/declaration/models"
	"dimona/internal/declaration/planner"
	"dimona/internal/declaration/reconcile"
	"dimona/internal/declaration/service"
	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
	"dimona/pkg/platform/httputil"
	"dimona/pkg/platform/middleware/request"
	"dimona/pkg/requestcontext"
)

// PeriodReader loads periods with their declaration history.
type PeriodReader interface {
	Period(ctx context.Context, periodID id.PeriodID) (*service.PeriodView, error)
}

// Declarer plans and enqueues what an owner needs declared.
type Declarer interface {
	Declare(ctx context.Context, owner service.Declarable, clientName string) (planner.OperationType, error)
}

// Reconciler detaches stale links.
type Reconciler interface {
	Reconcile(ctx context.Context, scope reconcile.Scope, current []string) (reconcile.Result, error)
}

type Handler struct {
	periods    PeriodReader
	declarer   Declarer
	reconciler Reconciler
	logger     *slog.Logger
	timeout    time.Duration
}

func New(periods PeriodReader, declarer Declarer, reconciler Reconciler, logger *slog.Logger) *Handler {
	return &Handler{
		periods:    periods,
		declarer:   declarer,
		reconciler: reconciler,
		logger:     logger,
		timeout:    30 * time.Second,
	}
}

// Register mounts the routes on r.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Use(request.Middleware)
	router.Use(chimiddleware.Timeout(h.timeout))
	router.Post("/declarations", h.handleDeclare)
	router.Get("/periods/{id}", h.handleGetPeriod)
	router.Post("/reconciliations", h.handleReconcile)

	r.Mount("/", router)
}

func (h *Handler) handleGetPeriod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	periodID, err := id.ParsePeriodID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	view, err := h.periods.Period(ctx, periodID)
	if err != nil {
		h.logFailure(ctx, "failed to load period", err, "period_id", periodID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

type declarationRequest struct {
	Owner      models.OwnerRef `json:"owner"`
	Desired    desiredPeriod   `json:"desired"`
	ClientName string          `json:"client_name"`
}

type desiredPeriod struct {
	EmployerID            string    `json:"employer_id"`
	WorkerID              string    `json:"worker_id"`
	JointCommissionNumber string    `json:"joint_commission_number"`
	WorkerType            string    `json:"worker_type"`
	Location              string    `json:"location"`
	StartsAt              time.Time `json:"starts_at"`
	EndsAt                time.Time `json:"ends_at"`
	SegmentIDs            []string  `json:"segment_ids"`
}

// requestedPeriod is the Declarable behind a declare request. A caller that
// posts a description always wants it declared; an empty segment list asks
// for cancellation.
type requestedPeriod struct {
	owner   models.OwnerRef
	desired models.DesiredPeriod
}

func (p requestedPeriod) DeclarationOwner() models.OwnerRef   { return p.owner }
func (p requestedPeriod) DesiredPeriod() models.DesiredPeriod { return p.desired }
func (p requestedPeriod) ShouldDeclare() bool                 { return true }

type declarationResponse struct {
	Operation planner.OperationType `json:"operation"`
}

func (h *Handler) handleDeclare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[declarationRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	owner := requestedPeriod{
		owner: req.Owner,
		desired: models.DesiredPeriod{
			EmployerID:            req.Desired.EmployerID,
			WorkerID:              req.Desired.WorkerID,
			JointCommissionNumber: req.Desired.JointCommissionNumber,
			WorkerType:            req.Desired.WorkerType,
			Location:              req.Desired.Location,
			StartsAt:              req.Desired.StartsAt,
			EndsAt:                req.Desired.EndsAt,
			SegmentIDs:            req.Desired.SegmentIDs,
		},
	}
	op, err := h.declarer.Declare(ctx, owner, req.ClientName)
	if err != nil {
		h.logFailure(ctx, "declare failed", err,
			"owner", req.Owner.String(),
			"client_name", req.ClientName,
		)
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusAccepted
	if op == planner.OperationNone {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, declarationResponse{Operation: op})
}

type reconciliationRequest struct {
	EmployerID string    `json:"employer_id"`
	WorkerID   string    `json:"worker_id"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	SegmentIDs []string  `json:"segment_ids"`
}

type reconciliationResponse struct {
	Touched  int                 `json:"touched"`
	Detached map[string][]string `json:"detached"`
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[reconciliationRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.SegmentIDs == nil {
		// an explicit empty list detaches everything; a missing one is a mistake
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "segment_ids is required"))
		return
	}

	scope := reconcile.Scope{
		EmployerID: req.EmployerID,
		WorkerID:   req.WorkerID,
		Window:     models.Window{From: req.From, To: req.To},
	}
	result, err := h.reconciler.Reconcile(ctx, scope, req.SegmentIDs)
	if err != nil {
		h.logFailure(ctx, "reconciliation failed", err,
			"employer_id", req.EmployerID,
			"worker_id", req.WorkerID,
		)
		httputil.WriteError(w, err)
		return
	}

	resp := reconciliationResponse{Touched: result.Touched(), Detached: make(map[string][]string, len(result.Detached))}
	for periodID, segments := range result.Detached {
		resp.Detached[periodID.String()] = segments
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) logFailure(ctx context.Context, msg string, err error, args ...any) {
	args = append(args, "request_id", requestcontext.RequestID(ctx), "error", err)
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, args...)
		return
	}
	h.logger.WarnContext(ctx, msg, args...)
}
