// Package cronengine implements CronEngine: cron expression parsing and
// next-fire-time computation in UTC, per spec.md section 4.13. Grounded on
// the pack's robfig/cron/v3 users (jholhewres-goclaw's scheduler packages,
// TGIFAI-friday's internal/cronjob), this fixes the standard five-field
// convention (minute hour day-of-month month day-of-week).
package cronengine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser is the standard five-field convention this engine fixes, per
// spec.md section 4.13 ("implementation fixes a convention and documents
// it").
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Engine parses and evaluates cron expressions.
type Engine struct{}

func New() *Engine { return &Engine{} }

// Validate rejects malformed expressions, to be called at job-creation time
// (spec.md section 4.13: "Rejects malformed expressions at job creation
// time").
func (e *Engine) Validate(expr string) error {
	_, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cronengine: invalid expression %q: %w", expr, err)
	}
	return nil
}

// Next computes the next firing strictly after base, evaluated in UTC.
func (e *Engine) Next(expr string, base time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("cronengine: invalid expression %q: %w", expr, err)
	}
	return sched.Next(base.UTC()).UTC(), nil
}
