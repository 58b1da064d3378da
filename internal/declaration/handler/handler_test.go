package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks PeriodReader,Declarer,Reconciler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"dimona/internal/declaration/handler/mocks"
	"dimona/internal/declaration/models"
	"dimona/internal/declaration/planner"
	"dimona/internal/declaration/reconcile"
	"dimona/internal/declaration/service"
	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
	"dimona/pkg/testutil"
)

type routerMocks struct {
	periods    *mocks.MockPeriodReader
	declarer   *mocks.MockDeclarer
	reconciler *mocks.MockReconciler
}

func buildRouter(t *testing.T) (http.Handler, routerMocks) {
	t.Helper()
	ctrl := gomock.NewController(t)
	m := routerMocks{
		periods:    mocks.NewMockPeriodReader(ctrl),
		declarer:   mocks.NewMockDeclarer(ctrl),
		reconciler: mocks.NewMockReconciler(ctrl),
	}
	r := chi.NewRouter()
	New(m.periods, m.declarer, m.reconciler, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	return r, m
}

func newRouter(t *testing.T) (http.Handler, *mocks.MockPeriodReader, *mocks.MockReconciler) {
	t.Helper()
	r, m := buildRouter(t)
	return r, m.periods, m.reconciler
}

func TestDeclare(t *testing.T) {
	start := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	body := func(segments []string) map[string]any {
		return map[string]any{
			"owner": map[string]any{"type": "contract", "id": "c-1"},
			"desired": map[string]any{
				"employer_id":             "0123456789",
				"worker_id":               "85073003328",
				"joint_commission_number": "302",
				"worker_type":             "STU",
				"location":                "Gent",
				"starts_at":               start,
				"ends_at":                 start.Add(8 * time.Hour),
				"segment_ids":             segments,
			},
			"client_name": "acme",
		}
	}

	testutil.Given(t, "a description that needs a new period", func(t *testing.T) {
		router, m := buildRouter(t)
		m.declarer.EXPECT().Declare(gomock.Any(), gomock.Any(), "acme").
			DoAndReturn(func(_ context.Context, owner service.Declarable, _ string) (planner.OperationType, error) {
				assert.True(t, owner.ShouldDeclare())
				assert.Equal(t, models.OwnerRef{Type: "contract", ID: "c-1"}, owner.DeclarationOwner())
				desired := owner.DesiredPeriod()
				assert.Equal(t, "85073003328", desired.WorkerID)
				assert.Equal(t, "STU", desired.WorkerType)
				assert.True(t, desired.StartsAt.Equal(start))
				assert.Equal(t, []string{"e1", "e2"}, desired.SegmentIDs)
				return planner.OperationCreate, nil
			})

		rr := testutil.DoRequest(router, testutil.NewJSONRequest(t, http.MethodPost, "/declarations", body([]string{"e1", "e2"})))

		testutil.Then(t, "the planned operation is accepted for processing", func(t *testing.T) {
			assert.Equal(t, http.StatusAccepted, rr.Code)
			resp := testutil.UnmarshalResponse[declarationResponse](t, rr)
			assert.Equal(t, planner.OperationCreate, resp.Operation)
		})
	})

	testutil.Given(t, "a description that is already declared", func(t *testing.T) {
		router, m := buildRouter(t)
		m.declarer.EXPECT().Declare(gomock.Any(), gomock.Any(), "acme").Return(planner.OperationNone, nil)

		rr := testutil.DoRequest(router, testutil.NewJSONRequest(t, http.MethodPost, "/declarations", body([]string{"e1"})))
		testutil.AssertStatusOK(t, rr)
		resp := testutil.UnmarshalResponse[declarationResponse](t, rr)
		assert.Equal(t, planner.OperationNone, resp.Operation)
	})

	testutil.Given(t, "a registry client that is not configured", func(t *testing.T) {
		router, m := buildRouter(t)
		m.declarer.EXPECT().Declare(gomock.Any(), gomock.Any(), "acme").
			Return(planner.OperationType(""), dErrors.New(dErrors.CodeValidation, `registry client "acme" is not configured`))

		rr := testutil.DoRequest(router, testutil.NewJSONRequest(t, http.MethodPost, "/declarations", body([]string{"e1"})))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})

	testutil.Given(t, "an unknown field", func(t *testing.T) {
		router, _ := buildRouter(t)
		rr := testutil.DoRequest(router, testutil.NewRequestWithBody(t, http.MethodPost, "/declarations", `{"contract":"c-1"}`))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})
}

func TestGetPeriod(t *testing.T) {
	periodID := id.NewPeriodID()

	testutil.Given(t, "a stored period with one refused declaration", func(t *testing.T) {
		router, periods, _ := newRouter(t)
		view := &service.PeriodView{
			Period: &models.Period{ID: periodID, State: models.PeriodStateRefused, Links: []string{"e1"}},
			Declarations: []service.DeclarationView{{
				Declaration: &models.Declaration{
					ID:         id.NewDeclarationID(),
					PeriodID:   periodID,
					Type:       models.DeclarationTypeIn,
					State:      models.DeclarationStateRefused,
					Reference:  "REF-1",
					Payload:    json.RawMessage(`{}`),
					ResultCode: "B",
				},
				Findings: []string{"student_requirements_not_met"},
			}},
		}
		periods.EXPECT().Period(gomock.Any(), periodID).Return(view, nil)

		rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/periods/"+periodID.String()))

		testutil.Then(t, "the period and its history are returned", func(t *testing.T) {
			testutil.AssertStatusOK(t, rr)
			assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

			var body struct {
				Period struct {
					ID    string   `json:"id"`
					State string   `json:"state"`
					Links []string `json:"links"`
				} `json:"period"`
				Declarations []struct {
					Reference string   `json:"reference"`
					Findings  []string `json:"findings"`
				} `json:"declarations"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, periodID.String(), body.Period.ID)
			assert.Equal(t, "refused", body.Period.State)
			require.Len(t, body.Declarations, 1)
			assert.Equal(t, "REF-1", body.Declarations[0].Reference)
			assert.Equal(t, []string{"student_requirements_not_met"}, body.Declarations[0].Findings)
		})
	})

	testutil.Given(t, "an unknown period", func(t *testing.T) {
		router, periods, _ := newRouter(t)
		periods.EXPECT().Period(gomock.Any(), periodID).Return(nil, dErrors.New(dErrors.CodeNotFound, "period not found"))

		rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/periods/"+periodID.String()))
		testutil.AssertStatusAndError(t, rr, http.StatusNotFound, string(dErrors.CodeNotFound))
	})

	testutil.Given(t, "a malformed id", func(t *testing.T) {
		router, _, _ := newRouter(t)
		rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/periods/not-a-uuid"))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeInvalidInput))
	})
}

func TestReconcile(t *testing.T) {
	from := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	testutil.Given(t, "a valid reconciliation request", func(t *testing.T) {
		router, _, reconciler := newRouter(t)
		periodID := id.NewPeriodID()
		reconciler.EXPECT().
			Reconcile(gomock.Any(), gomock.Any(), []string{"e1"}).
			DoAndReturn(func(_ context.Context, scope reconcile.Scope, _ []string) (reconcile.Result, error) {
				assert.Equal(t, "E", scope.EmployerID)
				assert.Equal(t, "W", scope.WorkerID)
				assert.True(t, scope.Window.From.Equal(from))
				assert.True(t, scope.Window.To.Equal(to))
				return reconcile.Result{Detached: map[id.PeriodID][]string{periodID: {"e2"}}}, nil
			})

		req := testutil.NewJSONRequest(t, http.MethodPost, "/reconciliations", map[string]any{
			"employer_id": "E",
			"worker_id":   "W",
			"from":        from,
			"to":          to,
			"segment_ids": []string{"e1"},
		})
		rr := testutil.DoRequest(router, req)

		testutil.Then(t, "the detached segments are reported per period", func(t *testing.T) {
			testutil.AssertStatusOK(t, rr)
			resp := testutil.UnmarshalResponse[reconciliationResponse](t, rr)
			assert.Equal(t, 1, resp.Touched)
			assert.Equal(t, []string{"e2"}, resp.Detached[periodID.String()])
		})
	})

	testutil.Given(t, "a request without segment_ids", func(t *testing.T) {
		router, _, _ := newRouter(t)
		req := testutil.NewJSONRequest(t, http.MethodPost, "/reconciliations", map[string]any{
			"employer_id": "E", "worker_id": "W", "from": from, "to": to,
		})
		rr := testutil.DoRequest(router, req)
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})

	testutil.Given(t, "an unknown field", func(t *testing.T) {
		router, _, _ := newRouter(t)
		rr := testutil.DoRequest(router, testutil.NewRequestWithBody(t, http.MethodPost, "/reconciliations", `{"employer":"E"}`))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})

	testutil.Given(t, "the reconciler rejects the scope", func(t *testing.T) {
		router, _, reconciler := newRouter(t)
		reconciler.EXPECT().Reconcile(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(reconcile.Result{}, dErrors.New(dErrors.CodeValidation, "window from must be before to"))
		req := testutil.NewJSONRequest(t, http.MethodPost, "/reconciliations", map[string]any{
			"employer_id": "E", "worker_id": "W", "from": to, "to": from, "segment_ids": []string{},
		})
		rr := testutil.DoRequest(router, req)
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})
}
