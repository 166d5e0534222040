package scheduleengine

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

// cronParser accepts the standard 5-field form plus seconds as an optional
// 6th leading field, matching spec.md §4.7's "standard 5/6-field
// expression."
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// nextRun computes the next fire instant for sc strictly after `after`, in
// sc's own IANA timezone. cron.Schedule.Next operates on the time.Time it
// is given, including its Location, so handing it a time already
// normalized into sc's zone gives DST-correct forward rolling for free —
// a skipped local time (spring-forward) is never produced by time.Date's
// normalization, and an ambiguous time (fall-back) resolves to whichever
// instant time.Date's arithmetic lands on first, matching spec.md's "first
// occurrence" rule for ambiguous local times.
func nextRun(sc domain.Schedule, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := after.In(loc)

	switch sc.Type {
	case domain.ScheduleCron:
		schedule, err := cronParser.Parse(sc.Expression)
		if err != nil {
			return time.Time{}, apperr.Wrap(apperr.Validation, "scheduleengine.nextRun", "invalid cron expression", err)
		}
		return schedule.Next(local).UTC(), nil

	case domain.ScheduleInterval:
		period, err := intervalPeriod(sc.Parameters)
		if err != nil {
			return time.Time{}, err
		}
		reference := intervalReference(sc, local)
		elapsed := local.Sub(reference)
		n := elapsed/period + 1
		return reference.Add(n * period).UTC(), nil

	case domain.ScheduleOneTime:
		at, err := oneTimeInstant(sc.Parameters)
		if err != nil {
			return time.Time{}, err
		}
		if at.After(after) {
			return at.UTC(), nil
		}
		// already fired; one_time schedules never recur.
		return time.Time{}, nil

	case domain.ScheduleEvent, domain.ScheduleDependency:
		// Neither type is polled by next_run — event fires on ingestion
		// (HandleEvent) and dependency fires when its upstream schedules
		// complete (checked by the dependency gate against
		// DependencyCompletion records each tick).
		return time.Time{}, nil

	default:
		return time.Time{}, apperr.Validationf("scheduleengine.nextRun", "unknown schedule type %q", sc.Type)
	}
}

func intervalPeriod(params map[string]any) (time.Duration, error) {
	raw, ok := params["interval_seconds"]
	if !ok {
		return 0, apperr.Validationf("scheduleengine.intervalPeriod", "interval schedule requires parameters.interval_seconds")
	}
	seconds, ok := asFloat(raw)
	if !ok || seconds <= 0 {
		return 0, apperr.Validationf("scheduleengine.intervalPeriod", "interval_seconds must be a positive number")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func intervalReference(sc domain.Schedule, local time.Time) time.Time {
	if raw, ok := sc.Parameters["reference_time"]; ok {
		if s, ok := raw.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.In(local.Location())
			}
		}
	}
	return sc.CreatedAt.In(local.Location())
}

func oneTimeInstant(params map[string]any) (time.Time, error) {
	raw, ok := params["at"]
	if !ok {
		return time.Time{}, apperr.Validationf("scheduleengine.oneTimeInstant", "one_time schedule requires parameters.at")
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, apperr.Validationf("scheduleengine.oneTimeInstant", "parameters.at must be an RFC3339 string")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.Validation, "scheduleengine.oneTimeInstant", "invalid parameters.at", err)
	}
	return t, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
