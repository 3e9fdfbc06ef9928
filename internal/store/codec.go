package store

import (
	"embed"
	"fmt"
	"time"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/domain"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/recurrence"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func readMigration(name string) (string, error) {
	b, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return "", fmt.Errorf("read migration %s: %w", name, err)
	}
	return string(b), nil
}

// orderText holds the columns that are stored as text in every backend.
type orderText struct {
	amount    string
	kind      string
	timeOfDay string
	dayOfWeek int
}

// apply decodes the text columns into o. A bad value is recorded on o.DecodeErr rather
// than returned, so one corrupt row cannot hide every other order from a query.
func (t orderText) apply(o *domain.ScheduledOrder) {
	// The kind is kept as stored; an unknown value fails that order at processing time.
	o.Interval = recurrence.Kind(t.kind)
	o.DayOfWeek = time.Weekday(t.dayOfWeek)

	amount, err := decimal.NewFromString(t.amount)
	if err != nil {
		o.DecodeErr = fmt.Errorf("decode amount for order %s: %w", o.ID, err)
		return
	}
	o.Amount = amount

	tod, err := recurrence.ParseTimeOfDay(t.timeOfDay)
	if err != nil {
		o.DecodeErr = fmt.Errorf("decode time of day for order %s: %w", o.ID, err)
		return
	}
	o.TimeOfDay = tod
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
