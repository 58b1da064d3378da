// Package service orchestrates the declaration lifecycle: it plans what an
// owner needs declared, persists the period and declaration records, submits
// them to the registry and polls until a verdict arrives.
//
// All registry work runs on queue tasks. Declare only plans and enqueues, so
// callers are never blocked on the registry.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"dimona/internal/declaration/anomaly"
	"dimona/internal/declaration/events"
	"dimona/internal/declaration/models"
	"dimona/internal/declaration/payload"
	"dimona/internal/declaration/verdict"
	"dimona/internal/platform/config"
	"dimona/internal/platform/queue"
	"dimona/internal/registry"
	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
	"dimona/pkg/platform/keylock"
)

var tracer = otel.Tracer("dimona/declaration/service")

// Task kinds handled by Service.HandleTask.
const (
	KindDeclare queue.Kind = "declare"
	KindSubmit  queue.Kind = "submit"
	KindPoll    queue.Kind = "poll"
)

// ErrDeclarationFailed marks a declaration the orchestrator gave up on.
var ErrDeclarationFailed = errors.New("declaration failed")

// Declarable is implemented by any domain record that owns an employment
// period: it names itself and describes what should currently be declared.
type Declarable interface {
	DeclarationOwner() models.OwnerRef
	DesiredPeriod() models.DesiredPeriod
	ShouldDeclare() bool
}

type PeriodStore interface {
	Create(ctx context.Context, p *models.Period) error
	FindByID(ctx context.Context, periodID id.PeriodID) (*models.Period, error)
	FindLatestByOwner(ctx context.Context, owner models.OwnerRef) (*models.Period, error)
	Update(ctx context.Context, p *models.Period, expected models.PeriodState) error
}

type DeclarationStore interface {
	Create(ctx context.Context, d *models.Declaration) error
	FindByID(ctx context.Context, declarationID id.DeclarationID) (*models.Declaration, error)
	FindActiveByPeriod(ctx context.Context, periodID id.PeriodID) (*models.Declaration, error)
	ListByPeriod(ctx context.Context, periodID id.PeriodID) ([]*models.Declaration, error)
	ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Declaration, error)
	Update(ctx context.Context, d *models.Declaration, expected models.DeclarationState) error
}

// RegistryClient is the authenticated registry API.
type RegistryClient interface {
	CheckClient(clientName string) error
	CreateDeclaration(ctx context.Context, clientName string, payload json.RawMessage) (string, error)
	GetDeclaration(ctx context.Context, clientName, reference string) (registry.Status, error)
}

// TaskQueue accepts work to run after delay.
type TaskQueue interface {
	Submit(ctx context.Context, task queue.Task, delay time.Duration) error
}

// TxRunner runs fn as one unit of work against both stores.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker serialises work per key. Owners and periods use separate Lockers so
// that a period lock can be taken while an owner lock is held.
type Locker interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// Failure describes a declaration the orchestrator gave up on.
type Failure struct {
	PeriodID      id.PeriodID
	DeclarationID id.DeclarationID
	Type          models.DeclarationType
	Owner         models.OwnerRef
	Reason        string
	Cause         error
}

// FailureNotifier is told about every permanently failed declaration.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, f Failure)
}

// LogNotifier reports failures to the log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyFailure(ctx context.Context, f Failure) {
	n.logger.ErrorContext(ctx, "declaration failed",
		"period_id", f.PeriodID,
		"declaration_id", f.DeclarationID,
		"type", f.Type,
		"owner", f.Owner.String(),
		"reason", f.Reason,
		"error", f.Cause,
	)
}

// Config bounds retries and scheduling.
type Config struct {
	MaxSubmitAttempts   int
	MaxPollAttempts     int
	MaxDeclareDeferrals int
	InitialPollDelay    time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	// MaxTaskRetries bounds redeliveries of a task whose handler failed on a
	// store, lock or queue error.
	MaxTaskRetries int
	// StaleAfter is how long an active declaration may go untouched before
	// the recovery sweep reschedules it.
	StaleAfter       time.Duration
	RecoveryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSubmitAttempts:   5,
		MaxPollAttempts:     20,
		MaxDeclareDeferrals: 10,
		InitialPollDelay:    5 * time.Second,
		BackoffBase:         2 * time.Second,
		BackoffMax:          5 * time.Minute,
		MaxTaskRetries:      8,
		StaleAfter:          15 * time.Minute,
		RecoveryInterval:    time.Minute,
	}
}

// ConfigFromSettings copies the engine section of the process configuration.
func ConfigFromSettings(e config.Engine) Config {
	return Config{
		MaxSubmitAttempts:   e.MaxSubmitAttempts,
		MaxPollAttempts:     e.MaxPollAttempts,
		MaxDeclareDeferrals: e.MaxDeclareDeferrals,
		InitialPollDelay:    e.InitialPollDelay,
		BackoffBase:         e.BackoffBase,
		BackoffMax:          e.BackoffMax,
		MaxTaskRetries:      e.MaxTaskRetries,
		StaleAfter:          e.StaleAfter,
		RecoveryInterval:    e.RecoveryInterval,
	}
}

// Backoff is the delay before retry number attempt (1-based): BackoffBase
// doubled per attempt, capped at BackoffMax.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		if d >= c.BackoffMax/2 {
			return c.BackoffMax
		}
		d *= 2
	}
	return min(d, c.BackoffMax)
}

type Service struct {
	periods      PeriodStore
	declarations DeclarationStore
	registry     RegistryClient
	queue        TaskQueue
	tx           TxRunner

	ownerLocks  Locker
	periodLocks Locker
	publisher   EventPublisher
	notifier    FailureNotifier
	results     verdict.Table
	classifier  *anomaly.Classifier
	payloads    *payload.Builder
	config      Config
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time

	// generations tracks the latest Declare per owner in this process so that
	// superseded declare tasks are abandoned.
	instance    string
	genMu       sync.Mutex
	generations map[string]uint64
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithFailureNotifier(n FailureNotifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithVerdictTable(t verdict.Table) Option {
	return func(s *Service) {
		s.results = t
	}
}

func WithClassifier(c *anomaly.Classifier) Option {
	return func(s *Service) {
		s.classifier = c
	}
}

func WithPayloadBuilder(b *payload.Builder) Option {
	return func(s *Service) {
		s.payloads = b
	}
}

func WithOwnerLocks(l Locker) Option {
	return func(s *Service) {
		s.ownerLocks = l
	}
}

func WithPeriodLocks(l Locker) Option {
	return func(s *Service) {
		s.periodLocks = l
	}
}

func New(periods PeriodStore, declarations DeclarationStore, registryClient RegistryClient, taskQueue TaskQueue, tx TxRunner, opts ...Option) (*Service, error) {
	if periods == nil {
		return nil, errors.New("period store is required")
	}
	if declarations == nil {
		return nil, errors.New("declaration store is required")
	}
	if registryClient == nil {
		return nil, errors.New("registry client is required")
	}
	if taskQueue == nil {
		return nil, errors.New("task queue is required")
	}
	if tx == nil {
		return nil, errors.New("tx runner is required")
	}

	svc := &Service{
		periods:      periods,
		declarations: declarations,
		registry:     registryClient,
		queue:        taskQueue,
		tx:           tx,
		config:       DefaultConfig(),
		logger:       slog.Default(),
		now:          time.Now,
		instance:     uuid.NewString(),
		generations:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if svc.ownerLocks == nil {
		svc.ownerLocks = keylock.New(keylock.DefaultShards)
	}
	if svc.periodLocks == nil {
		svc.periodLocks = keylock.New(keylock.DefaultShards)
	}
	if svc.results.IsZero() {
		svc.results = verdict.DefaultTable()
	}
	if svc.classifier == nil {
		svc.classifier = anomaly.NewClassifier(anomaly.DefaultTable())
	}
	if svc.payloads == nil {
		svc.payloads = payload.NewBuilder(nil)
	}
	if svc.notifier == nil {
		svc.notifier = NewLogNotifier(svc.logger)
	}
	return svc, nil
}

// HandleTask routes queue tasks to the declare, submit and poll workers.
func (s *Service) HandleTask(ctx context.Context, task queue.Task) error {
	ctx, span := tracer.Start(ctx, "declaration."+string(task.Kind))
	defer span.End()

	var err error
	switch task.Kind {
	case KindDeclare:
		var t declareTask
		if err = decodeTask(task, &t); err == nil {
			err = s.handleDeclare(ctx, t)
		}
	case KindSubmit:
		var t declarationTask
		if err = decodeTask(task, &t); err == nil {
			err = s.submit(ctx, t.DeclarationID)
		}
	case KindPoll:
		var t declarationTask
		if err = decodeTask(task, &t); err == nil {
			err = s.poll(ctx, t.DeclarationID)
		}
	default:
		s.logger.WarnContext(ctx, "unknown task kind dropped", "kind", task.Kind, "task_id", task.ID)
		return nil
	}
	if err != nil && retryableTaskError(err) {
		err = s.retry(ctx, task, err)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func decodeTask(task queue.Task, v any) error {
	if err := task.Decode(v); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed "+string(task.Kind)+" task payload")
	}
	return nil
}

// retryableTaskError reports whether a handler error came from a store, lock
// or queue hiccup that a later run can get past. Registry outcomes are
// already scheduled by the workers themselves and never land here.
func retryableTaskError(err error) bool {
	if errors.Is(err, ErrDeclarationFailed) {
		return false
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeUnavailable, dErrors.CodeStateConflict, dErrors.CodeTimeout:
		return true
	default:
		return false
	}
}

// retry redelivers task after backoff. Once MaxTaskRetries is spent the
// cause is returned and the recovery sweep becomes the backstop.
func (s *Service) retry(ctx context.Context, task queue.Task, cause error) error {
	if ctx.Err() != nil || task.Retries >= s.config.MaxTaskRetries {
		s.metrics.observeTaskRetry(task.Kind, outcomeFailed)
		return cause
	}
	next := task.Retry()
	delay := s.config.Backoff(next.Retries)
	if err := s.queue.Submit(ctx, next, delay); err != nil {
		s.metrics.observeTaskRetry(task.Kind, outcomeFailed)
		return errors.Join(cause, fmt.Errorf("reschedule %s task: %w", task.Kind, err))
	}
	s.metrics.observeTaskRetry(task.Kind, outcomeRetry)
	s.logger.WarnContext(ctx, "task failed and will be retried",
		"kind", task.Kind,
		"task_id", task.ID,
		"retries", next.Retries,
		"delay", delay,
		"error", cause,
	)
	return nil
}

type declareTask struct {
	Owner      models.OwnerRef      `json:"owner"`
	Desired    models.DesiredPeriod `json:"desired"`
	ClientName string               `json:"client_name"`
	Instance   string               `json:"instance"`
	Generation uint64               `json:"generation"`
	Deferrals  int                  `json:"deferrals"`
}

type declarationTask struct {
	DeclarationID id.DeclarationID `json:"declaration_id"`
}

func (s *Service) enqueue(ctx context.Context, kind queue.Kind, payload any, attempt int, delay time.Duration) error {
	task, err := queue.NewTask(kind, payload, attempt)
	if err != nil {
		return err
	}
	return s.queue.Submit(ctx, task, delay)
}

func (s *Service) nextGeneration(owner models.OwnerRef) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[owner.String()]++
	return s.generations[owner.String()]
}

// superseded reports whether a newer Declare for the same owner was issued in
// this process. Tasks enqueued by another process always run.
func (s *Service) superseded(t declareTask) bool {
	if t.Instance != s.instance {
		return false
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[t.Owner.String()] > t.Generation
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "declaration event not published",
			"event_type", e.Type,
			"period_id", e.PeriodID,
			"error", err,
		)
	}
}
