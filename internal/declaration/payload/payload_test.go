package payload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dimona/internal/declaration/models"
	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
)

func testPeriod(t *testing.T) *models.Period {
	t.Helper()
	start := time.Date(2026, 2, 2, 7, 30, 0, 0, time.UTC)
	p, err := models.NewPeriod(id.NewPeriodID(), models.OwnerRef{Type: "contract", ID: "c-1"}, models.DesiredPeriod{
		EmployerID:            "0123456789",
		WorkerID:              "85073003328",
		JointCommissionNumber: "302",
		WorkerType:            "FLX",
		Location:              "Gent",
		StartsAt:              start,
		EndsAt:                start.Add(9 * time.Hour),
		SegmentIDs:            []string{"e1"},
	}, start)
	require.NoError(t, err)
	return p
}

func TestBuild_In(t *testing.T) {
	raw, err := NewBuilder(nil).Build(models.DeclarationTypeIn, testPeriod(t))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"employer": {"enterpriseNumber": "0123456789"},
		"worker": {"ssin": "85073003328"},
		"dimonaIn": {
			"startDate": "2026-02-02", "startHour": "0730",
			"endDate": "2026-02-02", "endHour": "1630",
			"jointCommissionNumber": "302", "workerType": "FLX", "placeOfWork": "Gent"
		}
	}`, string(raw))
}

func TestBuild_UsesLocation(t *testing.T) {
	brussels, err := time.LoadLocation("Europe/Brussels")
	require.NoError(t, err)
	raw, err := NewBuilder(brussels).Build(models.DeclarationTypeIn, testPeriod(t))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"startHour":"0830"`)
}

func TestBuild_UpdateAndCancelNeedRegistryPeriod(t *testing.T) {
	b := NewBuilder(nil)
	p := testPeriod(t)

	for _, typ := range []models.DeclarationType{models.DeclarationTypeUpdate, models.DeclarationTypeCancel} {
		_, err := b.Build(typ, p)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation), typ)
	}

	p.RegistryPeriodID = "70099887766"
	raw, err := b.Build(models.DeclarationTypeUpdate, p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"employer": {"enterpriseNumber": "0123456789"},
		"dimonaUpdate": {"periodId": "70099887766", "startDate": "2026-02-02", "startHour": "0730", "endDate": "2026-02-02", "endHour": "1630"}
	}`, string(raw))

	raw, err = b.Build(models.DeclarationTypeCancel, p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"employer": {"enterpriseNumber": "0123456789"}, "dimonaCancel": {"periodId": "70099887766"}}`, string(raw))
}
