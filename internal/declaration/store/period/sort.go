package period

import (
	"sort"

	"dimona/internal/declaration/models"
)

func sortByStart(periods []*models.Period) {
	sort.Slice(periods, func(i, j int) bool {
		if periods[i].StartsAt.Equal(periods[j].StartsAt) {
			return periods[i].ID.String() < periods[j].ID.String()
		}
		return periods[i].StartsAt.Before(periods[j].StartsAt)
	})
}
