// Package payload renders the registry request body of a declaration.
package payload

import (
	"encoding/json"
	"fmt"
	"time"

	"dimona/internal/declaration/models"
	dErrors "dimona/pkg/domain-errors"
)

const (
	dateLayout = "2006-01-02"
	hourLayout = "1504"
)

type employer struct {
	EnterpriseNumber string `json:"enterpriseNumber"`
}

type worker struct {
	SSIN string `json:"ssin"`
}

type dimonaIn struct {
	StartDate             string `json:"startDate"`
	StartHour             string `json:"startHour"`
	EndDate               string `json:"endDate"`
	EndHour               string `json:"endHour"`
	JointCommissionNumber string `json:"jointCommissionNumber,omitempty"`
	WorkerType            string `json:"workerType,omitempty"`
	PlaceOfWork           string `json:"placeOfWork,omitempty"`
}

type dimonaUpdate struct {
	PeriodID  string `json:"periodId"`
	StartDate string `json:"startDate"`
	StartHour string `json:"startHour"`
	EndDate   string `json:"endDate"`
	EndHour   string `json:"endHour"`
}

type dimonaCancel struct {
	PeriodID string `json:"periodId"`
}

type body struct {
	Employer     employer      `json:"employer"`
	Worker       *worker       `json:"worker,omitempty"`
	DimonaIn     *dimonaIn     `json:"dimonaIn,omitempty"`
	DimonaUpdate *dimonaUpdate `json:"dimonaUpdate,omitempty"`
	DimonaCancel *dimonaCancel `json:"dimonaCancel,omitempty"`
}

// Builder renders payloads with dates and hours in one time zone.
type Builder struct {
	loc *time.Location
}

// NewBuilder returns a builder for loc; nil means UTC.
func NewBuilder(loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{loc: loc}
}

// Build renders the body of a typ declaration for p. Update and cancel
// reference the period the registry assigned to the accepted in declaration.
func (b *Builder) Build(typ models.DeclarationType, p *models.Period) (json.RawMessage, error) {
	out := body{Employer: employer{EnterpriseNumber: p.EmployerID}}
	start := p.StartsAt.In(b.loc)
	end := p.EndsAt.In(b.loc)

	switch typ {
	case models.DeclarationTypeIn:
		out.Worker = &worker{SSIN: p.WorkerID}
		out.DimonaIn = &dimonaIn{
			StartDate:             start.Format(dateLayout),
			StartHour:             start.Format(hourLayout),
			EndDate:               end.Format(dateLayout),
			EndHour:               end.Format(hourLayout),
			JointCommissionNumber: p.JointCommissionNumber,
			WorkerType:            p.WorkerType,
			PlaceOfWork:           p.Location,
		}
	case models.DeclarationTypeUpdate:
		if p.RegistryPeriodID == "" {
			return nil, missingPeriodID(typ, p)
		}
		out.DimonaUpdate = &dimonaUpdate{
			PeriodID:  p.RegistryPeriodID,
			StartDate: start.Format(dateLayout),
			StartHour: start.Format(hourLayout),
			EndDate:   end.Format(dateLayout),
			EndHour:   end.Format(hourLayout),
		}
	case models.DeclarationTypeCancel:
		if p.RegistryPeriodID == "" {
			return nil, missingPeriodID(typ, p)
		}
		out.DimonaCancel = &dimonaCancel{PeriodID: p.RegistryPeriodID}
	default:
		return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown declaration type %q", typ))
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode declaration payload")
	}
	return raw, nil
}

func missingPeriodID(typ models.DeclarationType, p *models.Period) error {
	return dErrors.New(dErrors.CodeInvariantViolation,
		fmt.Sprintf("%s declaration of period %s needs the registry period id", typ, p.ID))
}
