package service_test

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks RegistryClient,FailureNotifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dimona/internal/declaration/events"
	"dimona/internal/declaration/models"
	"dimona/internal/declaration/planner"
	"dimona/internal/declaration/service"
	"dimona/internal/declaration/service/mocks"
	"dimona/internal/declaration/store"
	declarationstore "dimona/internal/declaration/store/declaration"
	periodstore "dimona/internal/declaration/store/period"
	"dimona/internal/platform/queue"
	"dimona/internal/registry"
	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
	"dimona/pkg/platform/sentinel"
)

// =============================================================================
// Test doubles
// =============================================================================

type scheduled struct {
	task  queue.Task
	delay time.Duration
}

// fakeQueue records submissions so tests decide when each task runs.
type fakeQueue struct {
	mu    sync.Mutex
	tasks []scheduled
}

func (q *fakeQueue) Submit(_ context.Context, task queue.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, scheduled{task: task, delay: delay})
	return nil
}

func (q *fakeQueue) pop() (scheduled, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return scheduled{}, false
	}
	next := q.tasks[0]
	q.tasks = q.tasks[1:]
	return next, true
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyDeclarations fails the next failUpdates writes with a driver error.
type flakyDeclarations struct {
	*declarationstore.InMemory
	mu          sync.Mutex
	failUpdates int
}

func (f *flakyDeclarations) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdates = n
}

func (f *flakyDeclarations) Update(ctx context.Context, d *models.Declaration, expected models.DeclarationState) error {
	f.mu.Lock()
	if f.failUpdates > 0 {
		f.failUpdates--
		f.mu.Unlock()
		return errors.New("write tcp 10.0.0.7:5432: connection reset by peer")
	}
	f.mu.Unlock()
	return f.InMemory.Update(ctx, d, expected)
}

// racingPeriods can hide an owner's newest period from the next lookups, the
// way a read that raced another instance's create would miss it.
type racingPeriods struct {
	*periodstore.InMemory
	mu         sync.Mutex
	hideLatest int
}

func (r *racingPeriods) hideNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hideLatest = n
}

func (r *racingPeriods) FindLatestByOwner(ctx context.Context, owner models.OwnerRef) (*models.Period, error) {
	r.mu.Lock()
	if r.hideLatest > 0 {
		r.hideLatest--
		r.mu.Unlock()
		return nil, sentinel.ErrNotFound
	}
	r.mu.Unlock()
	return r.InMemory.FindLatestByOwner(ctx, owner)
}

// contract is a minimal owner record.
type contract struct {
	ref     models.OwnerRef
	desired models.DesiredPeriod
	active  bool
}

func (c contract) DeclarationOwner() models.OwnerRef   { return c.ref }
func (c contract) DesiredPeriod() models.DesiredPeriod { return c.desired }
func (c contract) ShouldDeclare() bool                 { return c.active }

// =============================================================================
// Orchestrator Test Suite
// =============================================================================
// Justification for unit tests: the orchestrator owns every lifecycle rule
// that spans the registry, the queue and both stores. Each scenario drives
// queued tasks one by one against in-memory stores and a mocked registry.

type ServiceSuite struct {
	suite.Suite
	ctrl         *gomock.Controller
	registry     *mocks.MockRegistryClient
	notifier     *mocks.MockFailureNotifier
	periods      *racingPeriods
	declarations *flakyDeclarations
	queue        *fakeQueue
	publisher    *recordingPublisher
	metrics      *service.Metrics
	cfg          service.Config
	clock        time.Time
	svc          *service.Service
	ctx          context.Context
	start        time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.registry = mocks.NewMockRegistryClient(s.ctrl)
	s.notifier = mocks.NewMockFailureNotifier(s.ctrl)
	s.periods = &racingPeriods{InMemory: periodstore.NewInMemory()}
	s.declarations = &flakyDeclarations{InMemory: declarationstore.NewInMemory()}
	s.queue = &fakeQueue{}
	s.publisher = &recordingPublisher{}
	s.metrics = service.NewMetricsWith(prometheus.NewRegistry())
	s.ctx = context.Background()
	s.clock = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	s.start = time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	s.cfg = service.DefaultConfig()
	s.registry.EXPECT().CheckClient(gomock.Not("ghost")).Return(nil).AnyTimes()
	s.build()
}

func (s *ServiceSuite) build() {
	var err error
	s.svc, err = service.New(s.periods, s.declarations, s.registry, s.queue, store.NewMemoryTx(),
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		service.WithMetrics(s.metrics),
		service.WithConfig(s.cfg),
		service.WithEventPublisher(s.publisher),
		service.WithFailureNotifier(s.notifier),
		service.WithClock(s.tick),
	)
	s.Require().NoError(err)
}

// tick advances one second per read so creation order is strict.
func (s *ServiceSuite) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *ServiceSuite) owner(segments ...string) contract {
	return contract{
		ref:    models.OwnerRef{Type: "contract", ID: "c-1"},
		active: true,
		desired: models.DesiredPeriod{
			EmployerID:            "0123456789",
			WorkerID:              "85073003328",
			JointCommissionNumber: "302",
			WorkerType:            "STU",
			Location:              "Gent",
			StartsAt:              s.start,
			EndsAt:                s.start.Add(8 * time.Hour),
			SegmentIDs:            segments,
		},
	}
}

// seedPeriod stores a period of the default owner in state with the given
// registry id.
func (s *ServiceSuite) seedPeriod(state models.PeriodState, registryPeriodID string, segments ...string) *models.Period {
	o := s.owner(segments...)
	p, err := models.NewPeriod(id.NewPeriodID(), o.ref, o.desired, s.tick())
	s.Require().NoError(err)
	p.State = state
	p.RegistryPeriodID = registryPeriodID
	s.Require().NoError(s.periods.Create(s.ctx, p))
	return p
}

// run handles the next queued task and returns its delay and error.
func (s *ServiceSuite) run() (scheduled, error) {
	next, ok := s.queue.pop()
	s.Require().True(ok, "expected a queued task")
	return next, s.svc.HandleTask(s.ctx, next.task)
}

// drain runs queued tasks until none are left and returns every error.
func (s *ServiceSuite) drain() []error {
	var errs []error
	for i := 0; i < 100 && s.queue.len() > 0; i++ {
		if _, err := s.run(); err != nil {
			errs = append(errs, err)
		}
	}
	s.Require().Zero(s.queue.len(), "queue did not drain")
	return errs
}

func (s *ServiceSuite) onlyDeclaration(periodID id.PeriodID) *models.Declaration {
	list, err := s.declarations.ListByPeriod(s.ctx, periodID)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	return list[0]
}

func (s *ServiceSuite) latest() *models.Period {
	p, err := s.periods.FindLatestByOwner(s.ctx, s.owner().ref)
	s.Require().NoError(err)
	return p
}

func unavailable() error {
	return registry.NewError(registry.CategoryServiceUnavailable, "acme", "registry returned 503", nil)
}

func accepted(periodID string) registry.Status {
	return registry.Status{Reference: "REF-1", Processed: true, ResultCode: "A", RegistryPeriodID: periodID}
}

// =============================================================================
// Declare
// =============================================================================

func (s *ServiceSuite) TestDeclare() {
	s.Run("plans and enqueues without touching the registry", func() {
		op, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
		s.Require().NoError(err)
		s.Equal(planner.OperationCreate, op)
		s.Equal(1, s.queue.len())

		_, err = s.periods.FindLatestByOwner(s.ctx, s.owner().ref)
		s.Error(err, "no period before the declare task runs")
	})
}

func (s *ServiceSuite) TestDeclareGates() {
	s.Run("owner that should not declare", func() {
		o := s.owner("e1")
		o.active = false
		op, err := s.svc.Declare(s.ctx, o, "")
		s.Require().NoError(err)
		s.Equal(planner.OperationNone, op)
		s.Zero(s.queue.len())
	})

	s.Run("invalid description is a validation error", func() {
		o := s.owner("e1")
		o.desired.EndsAt = o.desired.StartsAt
		_, err := s.svc.Declare(s.ctx, o, "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Zero(s.queue.len())
	})

	s.Run("invalid owner reference", func() {
		o := s.owner("e1")
		o.ref = models.OwnerRef{Type: "contract"}
		_, err := s.svc.Declare(s.ctx, o, "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("nothing desired and nothing stored", func() {
		op, err := s.svc.Declare(s.ctx, s.owner(), "")
		s.Require().NoError(err)
		s.Equal(planner.OperationNone, op)
		s.Zero(s.queue.len())
	})

	s.Run("stored period already matches", func() {
		s.seedPeriod(models.PeriodStateAccepted, "700", "e1")
		op, err := s.svc.Declare(s.ctx, s.owner("e1"), "")
		s.Require().NoError(err)
		s.Equal(planner.OperationNone, op)
		s.Zero(s.queue.len())
	})
}

func (s *ServiceSuite) TestDeclareRejectsUnknownClient() {
	s.registry.EXPECT().CheckClient("ghost").
		Return(registry.NewError(registry.CategoryClientNotConfigured, "ghost", "no such registry client", nil))

	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "ghost")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.Equal(registry.CategoryClientNotConfigured, registry.GetCategory(err))
	s.Zero(s.queue.len(), "nothing is queued for a client that cannot submit")

	_, err = s.periods.FindLatestByOwner(s.ctx, s.owner().ref)
	s.Error(err)
}

// =============================================================================
// Create, submit and poll
// =============================================================================

func (s *ServiceSuite) TestCreateSubmitsAndSchedulesFirstPoll() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1", "e2"), "acme")
	s.Require().NoError(err)

	var sentPayload json.RawMessage
	s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, payload json.RawMessage) (string, error) {
			sentPayload = payload
			return "REF-1", nil
		})

	_, err = s.run()
	s.Require().NoError(err)

	p := s.latest()
	s.Equal(models.PeriodStatePending, p.State)
	s.Equal([]string{"e1", "e2"}, p.Links)

	d := s.onlyDeclaration(p.ID)
	s.Equal(models.DeclarationTypeIn, d.Type)
	s.Equal(models.DeclarationStatePending, d.State)
	s.Equal("REF-1", d.Reference)
	s.Equal(1, d.SubmitAttempts)
	s.JSONEq(string(d.Payload), string(sentPayload), "stored payload is the exact body sent")
	s.Contains(string(d.Payload), `"dimonaIn"`)

	poll, ok := s.queue.pop()
	s.Require().True(ok)
	s.Equal(service.KindPoll, poll.task.Kind)
	s.Equal(s.cfg.InitialPollDelay, poll.delay)
	s.Equal([]events.Type{events.TypeSubmitted}, s.publisher.types())
}

func (s *ServiceSuite) TestPollNotProcessedThreeTimesThenAccepted() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
	s.Require().NoError(err)

	s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).Return("REF-1", nil)
	gomock.InOrder(
		s.registry.EXPECT().GetDeclaration(gomock.Any(), "acme", "REF-1").
			Return(registry.Status{Reference: "REF-1"}, nil).Times(3),
		s.registry.EXPECT().GetDeclaration(gomock.Any(), "acme", "REF-1").
			Return(accepted("70099887766"), nil),
	)

	var delays []time.Duration
	for s.queue.len() > 0 {
		next, err := s.run()
		s.Require().NoError(err)
		if next.task.Kind == service.KindPoll {
			delays = append(delays, next.delay)
		}
	}

	p := s.latest()
	d := s.onlyDeclaration(p.ID)
	s.Equal(4, d.PollCount)
	s.Equal(models.DeclarationStateAccepted, d.State)
	s.Equal("A", d.ResultCode)
	s.Equal(models.PeriodStateAccepted, p.State)
	s.Equal("70099887766", p.RegistryPeriodID)
	s.Equal([]time.Duration{
		s.cfg.InitialPollDelay, s.cfg.Backoff(1), s.cfg.Backoff(2), s.cfg.Backoff(3),
	}, delays)
	s.Equal(4.0, testutil.ToFloat64(s.metrics.Polls.WithLabelValues("not_processed"))+
		testutil.ToFloat64(s.metrics.Polls.WithLabelValues("verdict")))
	s.Equal([]events.Type{events.TypeSubmitted, events.TypeAccepted}, s.publisher.types())
}

func (s *ServiceSuite) TestSubmitRetriesServiceUnavailable() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
	s.Require().NoError(err)

	gomock.InOrder(
		s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).Return("", unavailable()).Times(2),
		s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).Return("REF-9", nil),
	)

	_, err = s.run() // declare + first attempt
	s.Require().NoError(err)
	retry, err := s.run()
	s.Require().NoError(err)
	s.Equal(service.KindSubmit, retry.task.Kind)
	s.Equal(s.cfg.Backoff(1), retry.delay)
	retry, err = s.run()
	s.Require().NoError(err)
	s.Equal(s.cfg.Backoff(2), retry.delay)

	p := s.latest()
	d := s.onlyDeclaration(p.ID)
	s.Equal(3, d.SubmitAttempts)
	s.Equal("REF-9", d.Reference)

	poll, ok := s.queue.pop()
	s.Require().True(ok)
	s.Equal(service.KindPoll, poll.task.Kind)
	s.Zero(s.queue.len(), "exactly one poll follows a successful submission")
}

func (s *ServiceSuite) TestSubmitGivesUpAfterMaxAttempts() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
	s.Require().NoError(err)

	s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).
		Return("", unavailable()).Times(s.cfg.MaxSubmitAttempts)
	s.notifier.EXPECT().NotifyFailure(gomock.Any(), gomock.Any()).
		Do(func(_ context.Context, f service.Failure) {
			s.Equal(models.DeclarationTypeIn, f.Type)
			s.Contains(f.Reason, "registry unavailable after 5 submit attempts")
			s.True(registry.IsRetryable(f.Cause))
		})

	errs := s.drain()
	s.Require().Len(errs, 1)
	s.ErrorIs(errs[0], service.ErrDeclarationFailed)

	p := s.latest()
	d := s.onlyDeclaration(p.ID)
	s.Equal(models.DeclarationStateFailed, d.State)
	s.Empty(d.Reference)
	s.Equal(models.PeriodStateFailed, p.State)
	s.Contains(s.publisher.types(), events.TypeFailed)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Failures.WithLabelValues("in")))
}

func (s *ServiceSuite) TestSubmitFailsImmediatelyOnRejectedRequest() {
	for _, category := range []registry.Category{registry.CategoryInvalidRequest, registry.CategoryClientNotConfigured} {
		s.Run(string(category), func() {
			s.SetupTest()
			_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
			s.Require().NoError(err)

			s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).
				Return("", registry.NewError(category, "acme", "rejected", nil))
			s.notifier.EXPECT().NotifyFailure(gomock.Any(), gomock.Any())

			errs := s.drain()
			s.Require().Len(errs, 1)
			s.ErrorIs(errs[0], service.ErrDeclarationFailed)

			d := s.onlyDeclaration(s.latest().ID)
			s.Equal(1, d.SubmitAttempts)
			s.Equal(models.DeclarationStateFailed, d.State)
			s.Contains(d.FailureReason, string(category))
		})
	}
}

func (s *ServiceSuite) TestPollFailures() {
	cases := []struct {
		name   string
		stub   func()
		reason string
	}{
		{
			name: "invalid response fails immediately",
			stub: func() {
				s.registry.EXPECT().GetDeclaration(gomock.Any(), gomock.Any(), "REF-1").
					Return(registry.Status{}, registry.NewError(registry.CategoryInvalidResponse, "acme", "no result", nil))
			},
			reason: "invalid_response",
		},
		{
			name: "unknown result code",
			stub: func() {
				s.registry.EXPECT().GetDeclaration(gomock.Any(), gomock.Any(), "REF-1").
					Return(registry.Status{Reference: "REF-1", Processed: true, ResultCode: "Z"}, nil)
			},
			reason: `unknown registry result code "Z"`,
		},
		{
			name: "poll budget spent",
			stub: func() {
				s.registry.EXPECT().GetDeclaration(gomock.Any(), gomock.Any(), "REF-1").
					Return(registry.Status{}, unavailable()).Times(3)
			},
			reason: "registry unavailable after 3 polls",
		},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.SetupTest()
			s.cfg.MaxPollAttempts = 3
			s.build()

			_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
			s.Require().NoError(err)
			s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).Return("REF-1", nil)
			tc.stub()
			s.notifier.EXPECT().NotifyFailure(gomock.Any(), gomock.Any())

			errs := s.drain()
			s.Require().Len(errs, 1)
			s.ErrorIs(errs[0], service.ErrDeclarationFailed)

			p := s.latest()
			d := s.onlyDeclaration(p.ID)
			s.Equal(models.DeclarationStateFailed, d.State)
			s.Contains(d.FailureReason, tc.reason)
			s.Equal(models.PeriodStateFailed, p.State)
		})
	}
}

func (s *ServiceSuite) TestWaitingVerdictKeepsPolling() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
	s.Require().NoError(err)
	s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).Return("REF-1", nil)
	gomock.InOrder(
		s.registry.EXPECT().GetDeclaration(gomock.Any(), gomock.Any(), "REF-1").
			Return(registry.Status{Reference: "REF-1", Processed: true, ResultCode: "S"}, nil).Times(2),
		s.registry.EXPECT().GetDeclaration(gomock.Any(), gomock.Any(), "REF-1").
			Return(registry.Status{Reference: "REF-1", Processed: true, ResultCode: "W", Anomalies: json.RawMessage(`[{"code":"90017-369"}]`)}, nil),
	)

	_, err = s.run() // declare and submit
	s.Require().NoError(err)
	_, err = s.run() // first poll: waiting
	s.Require().NoError(err)

	p := s.latest()
	s.Equal(models.PeriodStateWaiting, p.State)
	s.Equal(models.DeclarationStateWaiting, s.onlyDeclaration(p.ID).State)

	s.Empty(s.drain())
	p = s.latest()
	d := s.onlyDeclaration(p.ID)
	s.Equal(models.PeriodStateAcceptedWithWarning, p.State)
	s.Equal(models.DeclarationStateAcceptedWithWarning, d.State)
	s.JSONEq(`[{"code":"90017-369"}]`, string(d.Anomalies))

	last := s.publisher.events[len(s.publisher.events)-1]
	s.Equal(events.TypeAcceptedWithWarning, last.Type)
	s.Equal([]string{"flexi_requirements_not_met"}, last.Anomalies)
}

func (s *ServiceSuite) TestRefusedIn() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
	s.Require().NoError(err)
	s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).Return("REF-1", nil)
	s.registry.EXPECT().GetDeclaration(gomock.Any(), gomock.Any(), "REF-1").
		Return(registry.Status{Reference: "REF-1", Processed: true, ResultCode: "B", Anomalies: json.RawMessage(`["90017-332"]`)}, nil)

	s.Empty(s.drain())
	p := s.latest()
	s.Equal(models.PeriodStateRefused, p.State)
	s.Empty(p.RegistryPeriodID)
	s.Equal(models.DeclarationStateRefused, s.onlyDeclaration(p.ID).State)
}

// =============================================================================
// Update, link and cancel
// =============================================================================

func (s *ServiceSuite) TestUpdateSendsRegistryPeriodID() {
	p := s.seedPeriod(models.PeriodStateAccepted, "700", "e1")
	o := s.owner("e1")
	o.desired.EndsAt = o.desired.EndsAt.Add(time.Hour)

	op, err := s.svc.Declare(s.ctx, o, "acme")
	s.Require().NoError(err)
	s.Equal(planner.OperationUpdate, op)

	s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).Return("REF-2", nil)
	s.registry.EXPECT().GetDeclaration(gomock.Any(), "acme", "REF-2").Return(accepted(""), nil)
	s.Empty(s.drain())

	got, err := s.periods.FindByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(models.PeriodStateAccepted, got.State)
	s.True(got.EndsAt.Equal(o.desired.EndsAt))
	s.Equal("700", got.RegistryPeriodID)

	d := s.onlyDeclaration(p.ID)
	s.Equal(models.DeclarationTypeUpdate, d.Type)
	s.Contains(string(d.Payload), `"dimonaUpdate"`)
	s.Contains(string(d.Payload), `"700"`)
}

func (s *ServiceSuite) TestUpdateOfUnregisteredPeriodIsSentAsIn() {
	p := s.seedPeriod(models.PeriodStateRefused, "", "e1")
	o := s.owner("e1")
	o.desired.StartsAt = o.desired.StartsAt.Add(-time.Hour)

	s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).Return("REF-3", nil)
	_, err := s.svc.Declare(s.ctx, o, "")
	s.Require().NoError(err)
	_, err = s.run()
	s.Require().NoError(err)

	d := s.onlyDeclaration(p.ID)
	s.Equal(models.DeclarationTypeIn, d.Type)
}

func (s *ServiceSuite) TestFailedUpdateLeavesPeriodOutdated() {
	p := s.seedPeriod(models.PeriodStateAccepted, "700", "e1")
	o := s.owner("e1")
	o.desired.WorkerType = "FLX"

	s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", registry.NewError(registry.CategoryInvalidRequest, "default", "bad body", nil))
	s.notifier.EXPECT().NotifyFailure(gomock.Any(), gomock.Any())

	_, err := s.svc.Declare(s.ctx, o, "")
	s.Require().NoError(err)
	s.Len(s.drain(), 1)

	got, err := s.periods.FindByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(models.PeriodStateOutdated, got.State)

	// an outdated period is re-sent as an update on the next declare
	op, err := s.svc.Declare(s.ctx, o, "")
	s.Require().NoError(err)
	s.Equal(planner.OperationUpdate, op)
}

func (s *ServiceSuite) TestLinkAttachesSegmentsWithoutRegistryCall() {
	p := s.seedPeriod(models.PeriodStateAccepted, "700", "e1")

	op, err := s.svc.Declare(s.ctx, s.owner("e1", "e2"), "")
	s.Require().NoError(err)
	s.Equal(planner.OperationLink, op)
	s.Empty(s.drain())

	got, err := s.periods.FindByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal([]string{"e1", "e2"}, got.Links)
	s.Equal(models.PeriodStateAccepted, got.State)
	list, err := s.declarations.ListByPeriod(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Empty(list)
}

func (s *ServiceSuite) TestCancel() {
	cases := []struct {
		name      string
		anomalies json.RawMessage
		want      models.PeriodState
	}{
		{name: "refused as already cancelled", anomalies: json.RawMessage(`[{"code":"90017-510"}]`), want: models.PeriodStateCancelled},
		{name: "refused for another reason", anomalies: json.RawMessage(`[{"code":"00000-001"}]`), want: models.PeriodStateOutdated},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.SetupTest()
			p := s.seedPeriod(models.PeriodStateAccepted, "700", "e1")

			op, err := s.svc.Declare(s.ctx, s.owner(), "")
			s.Require().NoError(err)
			s.Equal(planner.OperationCancel, op)

			s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, _ string, payload json.RawMessage) (string, error) {
					s.JSONEq(`{"employer":{"enterpriseNumber":"0123456789"},"dimonaCancel":{"periodId":"700"}}`, string(payload))
					return "REF-C", nil
				})
			s.registry.EXPECT().GetDeclaration(gomock.Any(), gomock.Any(), "REF-C").
				Return(registry.Status{Reference: "REF-C", Processed: true, ResultCode: "B", Anomalies: tc.anomalies}, nil)
			s.Empty(s.drain())

			got, err := s.periods.FindByID(s.ctx, p.ID)
			s.Require().NoError(err)
			s.Equal(tc.want, got.State)
			s.Equal([]string{"e1"}, got.Links, "cancellation never drops links")
		})
	}
}

func (s *ServiceSuite) TestCancelAccepted() {
	p := s.seedPeriod(models.PeriodStateAcceptedWithWarning, "700", "e1")
	s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).Return("REF-C", nil)
	s.registry.EXPECT().GetDeclaration(gomock.Any(), gomock.Any(), "REF-C").Return(accepted(""), nil)

	_, err := s.svc.Declare(s.ctx, s.owner(), "")
	s.Require().NoError(err)
	s.Empty(s.drain())

	got, err := s.periods.FindByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(models.PeriodStateCancelled, got.State)
	s.Contains(s.publisher.types(), events.TypePeriodCancelled)

	// a cancelled period is never reused
	op, err := s.svc.Declare(s.ctx, s.owner("e5"), "")
	s.Require().NoError(err)
	s.Equal(planner.OperationCreate, op)
}

func (s *ServiceSuite) TestCancelOfUnregisteredPeriodIsLocal() {
	p := s.seedPeriod(models.PeriodStateRefused, "", "e1")

	_, err := s.svc.Declare(s.ctx, s.owner(), "")
	s.Require().NoError(err)
	s.Empty(s.drain())

	got, err := s.periods.FindByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(models.PeriodStateCancelled, got.State)
	s.Equal([]events.Type{events.TypePeriodCancelled}, s.publisher.types())
}

// =============================================================================
// Concurrency rules
// =============================================================================

func (s *ServiceSuite) TestDeclareDefersWhileDeclarationIsActive() {
	p := s.seedPeriod(models.PeriodStateAccepted, "700", "e1")
	active, err := models.NewDeclaration(id.NewDeclarationID(), p.ID, models.DeclarationTypeUpdate, "", json.RawMessage(`{}`), s.tick())
	s.Require().NoError(err)
	s.Require().NoError(active.AssignReference("REF-OLD", s.tick()))
	s.Require().NoError(s.declarations.Create(s.ctx, active))

	o := s.owner("e1")
	o.desired.EndsAt = o.desired.EndsAt.Add(2 * time.Hour)
	_, err = s.svc.Declare(s.ctx, o, "")
	s.Require().NoError(err)

	_, err = s.run()
	s.Require().NoError(err)
	deferred, ok := s.queue.pop()
	s.Require().True(ok)
	s.Equal(service.KindDeclare, deferred.task.Kind)
	s.Equal(s.cfg.Backoff(1), deferred.delay)

	list, err := s.declarations.ListByPeriod(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Len(list, 1, "no second declaration while one is active")

	// the active declaration settles, the deferred task goes ahead
	settled, err := s.declarations.FindByID(s.ctx, active.ID)
	s.Require().NoError(err)
	s.Require().NoError(settled.ApplyVerdict(models.DeclarationStateAccepted, "A", nil, s.tick()))
	s.Require().NoError(s.declarations.Update(s.ctx, settled, models.DeclarationStatePending))

	s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).Return("REF-NEW", nil)
	s.Require().NoError(s.svc.HandleTask(s.ctx, deferred.task))

	current, err := s.declarations.FindActiveByPeriod(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal("REF-NEW", current.Reference)
	s.Equal(models.DeclarationTypeUpdate, current.Type)
}

func (s *ServiceSuite) TestDeclareDeferralIsBounded() {
	s.cfg.MaxDeclareDeferrals = 2
	s.build()

	p := s.seedPeriod(models.PeriodStatePending, "", "e1")
	active, err := models.NewDeclaration(id.NewDeclarationID(), p.ID, models.DeclarationTypeIn, "", json.RawMessage(`{}`), s.tick())
	s.Require().NoError(err)
	s.Require().NoError(s.declarations.Create(s.ctx, active))

	o := s.owner("e1")
	o.desired.WorkerType = "FLX"
	_, err = s.svc.Declare(s.ctx, o, "")
	s.Require().NoError(err)

	errs := s.drain()
	s.Require().Len(errs, 1)
	s.True(dErrors.HasCode(errs[0], dErrors.CodeConflict))
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Declares.WithLabelValues("update", "deferred")))
}

func (s *ServiceSuite) TestCreateRacingAnotherInstanceIsDeferred() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
	s.Require().NoError(err)
	existing := s.seedPeriod(models.PeriodStatePending, "", "e1")
	s.periods.hideNext(1)

	_, err = s.run()
	s.Require().NoError(err)

	deferred, ok := s.queue.pop()
	s.Require().True(ok)
	s.Equal(service.KindDeclare, deferred.task.Kind)
	s.Equal(existing.ID, s.latest().ID, "no second live period for the owner")
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Declares.WithLabelValues("create", "deferred")))
}

func (s *ServiceSuite) TestSupersededDeclareIsAbandoned() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "")
	s.Require().NoError(err)
	newer := s.owner("e1")
	newer.desired.StartsAt = newer.desired.StartsAt.Add(30 * time.Minute)
	_, err = s.svc.Declare(s.ctx, newer, "")
	s.Require().NoError(err)

	s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).Return("REF-1", nil).Times(1)

	_, err = s.run() // older: abandoned
	s.Require().NoError(err)
	_, err = s.run() // newer: created and submitted
	s.Require().NoError(err)

	p := s.latest()
	s.True(p.StartsAt.Equal(newer.desired.StartsAt))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Declares.WithLabelValues("none", "superseded")))
}

func (s *ServiceSuite) TestSubmitIsIdempotentOnceReferenced() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "")
	s.Require().NoError(err)
	s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).Return("REF-1", nil).Times(1)
	_, err = s.run()
	s.Require().NoError(err)

	d := s.onlyDeclaration(s.latest().ID)
	replay, err := queue.NewTask(service.KindSubmit, map[string]string{"declaration_id": d.ID.String()}, 1)
	s.Require().NoError(err)
	s.Require().NoError(s.svc.HandleTask(s.ctx, replay))

	again := s.onlyDeclaration(d.PeriodID)
	s.Equal("REF-1", again.Reference)
	s.Equal(1, again.SubmitAttempts)
}

// =============================================================================
// Transient failures and recovery
// =============================================================================

func (s *ServiceSuite) TestPollRetriedAfterStoreError() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
	s.Require().NoError(err)
	s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).Return("REF-1", nil)
	_, err = s.run()
	s.Require().NoError(err)

	s.declarations.failNext(1)
	_, err = s.run()
	s.Require().NoError(err, "a store error reschedules the poll instead of surfacing")

	retry, ok := s.queue.pop()
	s.Require().True(ok)
	s.Equal(service.KindPoll, retry.task.Kind)
	s.Equal(1, retry.task.Retries)
	s.Equal(s.cfg.Backoff(1), retry.delay)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.TaskRetries.WithLabelValues("poll", "retry")))

	s.registry.EXPECT().GetDeclaration(gomock.Any(), "acme", "REF-1").Return(accepted("700"), nil)
	s.Require().NoError(s.svc.HandleTask(s.ctx, retry.task))

	p := s.latest()
	s.Equal(models.PeriodStateAccepted, p.State)
	s.Equal(models.DeclarationStateAccepted, s.onlyDeclaration(p.ID).State)
}

func (s *ServiceSuite) TestInlineSubmitStoreErrorSchedulesSubmit() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
	s.Require().NoError(err)

	s.declarations.failNext(1)
	_, err = s.run()
	s.Require().NoError(err)

	retry, ok := s.queue.pop()
	s.Require().True(ok)
	s.Equal(service.KindSubmit, retry.task.Kind)
	s.Equal(1, retry.task.Retries)
	s.Zero(s.queue.len())

	s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).Return("REF-1", nil)
	s.Require().NoError(s.svc.HandleTask(s.ctx, retry.task))

	d := s.onlyDeclaration(s.latest().ID)
	s.Equal("REF-1", d.Reference)
	s.Equal(1, d.SubmitAttempts)
	poll, ok := s.queue.pop()
	s.Require().True(ok)
	s.Equal(service.KindPoll, poll.task.Kind)
}

func (s *ServiceSuite) TestTaskRetriesAreBounded() {
	s.cfg.MaxTaskRetries = 1
	s.build()

	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
	s.Require().NoError(err)
	s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).Return("REF-1", nil)
	_, err = s.run()
	s.Require().NoError(err)

	s.declarations.failNext(2)
	_, err = s.run()
	s.Require().NoError(err)
	_, err = s.run()
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	s.Zero(s.queue.len(), "the recovery sweep picks it up from here")
	s.Equal(1.0, testutil.ToFloat64(s.metrics.TaskRetries.WithLabelValues("poll", "failed")))
}

func (s *ServiceSuite) TestMalformedTaskIsNotRetried() {
	err := s.svc.HandleTask(s.ctx, queue.Task{ID: "t", Kind: service.KindPoll, Payload: json.RawMessage(`{`)})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	s.Zero(s.queue.len())
}

func (s *ServiceSuite) TestRecoverReschedulesStaleDeclarations() {
	// submitted, but its poll task was lost
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "acme")
	s.Require().NoError(err)
	s.registry.EXPECT().CreateDeclaration(gomock.Any(), "acme", gomock.Any()).Return("REF-1", nil)
	_, err = s.run()
	s.Require().NoError(err)
	_, ok := s.queue.pop()
	s.Require().True(ok)
	polled := s.onlyDeclaration(s.latest().ID)

	// stored, but never submitted
	other := s.owner("e9")
	other.ref = models.OwnerRef{Type: "contract", ID: "c-2"}
	p, err := models.NewPeriod(id.NewPeriodID(), other.ref, other.desired, s.tick())
	s.Require().NoError(err)
	p.State = models.PeriodStatePending
	s.Require().NoError(s.periods.Create(s.ctx, p))
	unsent, err := models.NewDeclaration(id.NewDeclarationID(), p.ID, models.DeclarationTypeIn, "acme", json.RawMessage(`{}`), s.tick())
	s.Require().NoError(err)
	s.Require().NoError(s.declarations.Create(s.ctx, unsent))

	n, err := s.svc.Recover(s.ctx)
	s.Require().NoError(err)
	s.Zero(n, "recently touched declarations are left alone")

	s.clock = s.clock.Add(s.cfg.StaleAfter + time.Minute)
	n, err = s.svc.Recover(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	kinds := map[id.DeclarationID]queue.Kind{}
	for s.queue.len() > 0 {
		next, _ := s.queue.pop()
		var t struct {
			DeclarationID id.DeclarationID `json:"declaration_id"`
		}
		s.Require().NoError(next.task.Decode(&t))
		kinds[t.DeclarationID] = next.task.Kind
		s.Zero(next.delay)
	}
	s.Equal(map[id.DeclarationID]queue.Kind{
		polled.ID: service.KindPoll,
		unsent.ID: service.KindSubmit,
	}, kinds)

	n, err = s.svc.Recover(s.ctx)
	s.Require().NoError(err)
	s.Zero(n, "a sweep touches what it reschedules")
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Recovered.WithLabelValues("poll")))
}

func (s *ServiceSuite) TestRunRecoveryStopsWithContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.ErrorIs(s.svc.RunRecovery(ctx), context.Canceled)
}

func (s *ServiceSuite) TestUnknownTaskKindIsDropped() {
	s.NoError(s.svc.HandleTask(s.ctx, queue.Task{ID: "t", Kind: "mystery"}))
}

// =============================================================================
// Read model
// =============================================================================

func (s *ServiceSuite) TestPeriodView() {
	_, err := s.svc.Declare(s.ctx, s.owner("e1"), "")
	s.Require().NoError(err)
	s.registry.EXPECT().CreateDeclaration(gomock.Any(), gomock.Any(), gomock.Any()).Return("REF-1", nil)
	s.registry.EXPECT().GetDeclaration(gomock.Any(), gomock.Any(), "REF-1").
		Return(registry.Status{Reference: "REF-1", Processed: true, ResultCode: "B", Anomalies: json.RawMessage(`{"codes":["90017-332"]}`)}, nil)
	s.Empty(s.drain())

	p := s.latest()
	view, err := s.svc.Period(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(p.ID, view.Period.ID)
	s.Require().Len(view.Declarations, 1)
	s.Equal([]string{"student_requirements_not_met"}, view.Declarations[0].Findings)

	byOwner, err := s.svc.LatestPeriod(s.ctx, s.owner().ref)
	s.Require().NoError(err)
	s.Equal(p.ID, byOwner.Period.ID)

	_, err = s.svc.Period(s.ctx, id.NewPeriodID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// =============================================================================
// Construction and configuration
// =============================================================================

func TestNew(t *testing.T) {
	tx := store.NewMemoryTx()
	periods := periodstore.NewInMemory()
	declarations := declarationstore.NewInMemory()
	reg := mocks.NewMockRegistryClient(gomock.NewController(t))
	q := &fakeQueue{}

	_, err := service.New(nil, declarations, reg, q, tx)
	assert.EqualError(t, err, "period store is required")
	_, err = service.New(periods, nil, reg, q, tx)
	assert.EqualError(t, err, "declaration store is required")
	_, err = service.New(periods, declarations, nil, q, tx)
	assert.EqualError(t, err, "registry client is required")
	_, err = service.New(periods, declarations, reg, nil, tx)
	assert.EqualError(t, err, "task queue is required")
	_, err = service.New(periods, declarations, reg, q, nil)
	assert.EqualError(t, err, "tx runner is required")

	svc, err := service.New(periods, declarations, reg, q, tx)
	require.NoError(t, err)
	require.NotNil(t, svc)
}

func TestBackoff(t *testing.T) {
	cfg := service.Config{BackoffBase: 2 * time.Second, BackoffMax: 20 * time.Second}
	assert.Equal(t, 2*time.Second, cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 4*time.Second, cfg.Backoff(2))
	assert.Equal(t, 16*time.Second, cfg.Backoff(4))
	assert.Equal(t, 20*time.Second, cfg.Backoff(5))
	assert.Equal(t, 20*time.Second, cfg.Backoff(60))
}

func TestLogNotifier(t *testing.T) {
	var buf syncBuffer
	n := service.NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	n.NotifyFailure(context.Background(), service.Failure{
		PeriodID: id.NewPeriodID(),
		Type:     models.DeclarationTypeCancel,
		Owner:    models.OwnerRef{Type: "contract", ID: "c-9"},
		Reason:   "no verdict after 20 polls",
		Cause:    errors.New("boom"),
	})
	assert.Contains(t, buf.String(), `"reason":"no verdict after 20 polls"`)
	assert.Contains(t, buf.String(), `"owner":"contract:c-9"`)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
