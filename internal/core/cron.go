package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("%w: only 5-field cron expressions are supported", ErrConfiguration)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression: %w", ErrConfiguration, err)
	}
	return schedule, nil
}

// NextOccurrences returns the next n execution times from a base time.
// A schedule that is exhausted stops the sequence early.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// CronExpression builds a 5-field expression from a cron trigger config.
// A full "expression" key wins over the individual fields, which default to "*".
func CronExpression(config map[string]any) (string, error) {
	if raw, ok := config["expression"]; ok {
		expr, ok := raw.(string)
		if !ok || strings.TrimSpace(expr) == "" {
			return "", fmt.Errorf("%w: cron expression must be a non-empty string", ErrConfiguration)
		}
		return strings.TrimSpace(expr), nil
	}
	fields := []string{"minute", "hour", "day", "month", "day_of_week"}
	parts := make([]string, 0, len(fields))
	for _, key := range fields {
		convert := cronField
		if key == "day_of_week" {
			convert = dayOfWeekField
		}
		value, err := convert(config[key])
		if err != nil {
			return "", fmt.Errorf("%w: cron field %s: %w", ErrConfiguration, key, err)
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, " "), nil
}

func cronField(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "*", nil
	case string:
		if strings.TrimSpace(val) == "" {
			return "*", nil
		}
		return strings.TrimSpace(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		if val != math.Trunc(val) {
			return "", fmt.Errorf("non-integer value %v", val)
		}
		return strconv.FormatInt(int64(val), 10), nil
	default:
		return "", fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}

// weekdays lists day names in Monday-first order: day_of_week numbers in a
// trigger config count from mon=0 to sun=6.
var weekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// dayOfWeekField translates a Monday-first day_of_week value into the
// Sunday-first numbering of 5-field cron.
func dayOfWeekField(v any) (string, error) {
	switch v.(type) {
	case nil, string:
	default:
		field, err := cronField(v)
		if err != nil {
			return "", err
		}
		v = field
	}
	field, _ := v.(string)
	field = strings.ToLower(strings.TrimSpace(field))
	if field == "" || field == "*" || field == "?" {
		return "*", nil
	}
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		days, err := weekdayPart(strings.TrimSpace(part))
		if err != nil {
			return "", err
		}
		out = append(out, days)
	}
	return strings.Join(out, ","), nil
}

// weekdayPart expands one list element ("*", "a", "a-b", each with an
// optional "/step") into cron day numbers.
func weekdayPart(part string) (string, error) {
	base, stepText, stepped := strings.Cut(part, "/")
	step := 1
	if stepped {
		n, err := strconv.Atoi(stepText)
		if err != nil || n < 1 {
			return "", fmt.Errorf("invalid day_of_week step %q", part)
		}
		step = n
	}
	lo, hi := 0, len(weekdays)-1
	if base != "*" {
		first, last, isRange := strings.Cut(base, "-")
		var err error
		if lo, err = weekdayIndex(first); err != nil {
			return "", err
		}
		switch {
		case isRange:
			if hi, err = weekdayIndex(last); err != nil {
				return "", err
			}
		case !stepped:
			hi = lo
		}
	}
	if lo > hi {
		return "", fmt.Errorf("invalid day_of_week range %q", part)
	}
	days := make([]string, 0, hi-lo+1)
	for d := lo; d <= hi; d += step {
		days = append(days, strconv.Itoa((d+1)%7))
	}
	return strings.Join(days, ","), nil
}

func weekdayIndex(token string) (int, error) {
	if n, err := strconv.Atoi(token); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("day_of_week %d out of range 0-6", n)
		}
		return n, nil
	}
	for i, name := range weekdays {
		if token == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown day_of_week %q", token)
}

// IntervalDuration sums the seconds/minutes/hours/days of an interval config.
func IntervalDuration(config map[string]any) (time.Duration, error) {
	units := []struct {
		key  string
		unit time.Duration
	}{
		{"seconds", time.Second},
		{"minutes", time.Minute},
		{"hours", time.Hour},
		{"days", 24 * time.Hour},
	}
	var total time.Duration
	for _, u := range units {
		n, err := numberValue(config[u.key])
		if err != nil {
			return 0, fmt.Errorf("%w: interval %s: %w", ErrConfiguration, u.key, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("%w: interval %s must be non-negative", ErrConfiguration, u.key)
		}
		total += time.Duration(n * float64(u.unit))
	}
	if total < time.Second {
		return 0, fmt.Errorf("%w: interval must be at least 1 second", ErrConfiguration)
	}
	return total, nil
}

func numberValue(v any) (float64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return 0, nil
		}
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return 0, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}

// RunAt extracts the firing time of a date trigger config.
func RunAt(config map[string]any, loc *time.Location) (time.Time, error) {
	raw, ok := config["run_at"]
	if !ok {
		raw, ok = config["run_date"]
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%w: date trigger requires run_at", ErrConfiguration)
	}
	switch val := raw.(type) {
	case time.Time:
		return val, nil
	case string:
		t, err := ParseTimestamp(val, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: run_at: %w", ErrConfiguration, err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("%w: run_at must be an ISO-8601 string", ErrConfiguration)
	}
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp. Timestamps without a zone
// offset are interpreted in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

// onceSchedule fires a single time. robfig/cron never runs an entry whose
// Next is the zero time, so a passed date simply stops firing.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// BuildSchedule converts a timed trigger into a cron.Schedule.
// Event, condition and startup triggers have no schedule and return nil.
func BuildSchedule(triggerType TriggerType, config map[string]any, loc *time.Location) (cron.Schedule, error) {
	switch triggerType {
	case TriggerCron:
		expr, err := CronExpression(config)
		if err != nil {
			return nil, err
		}
		return ParseCron(expr)
	case TriggerInterval:
		d, err := IntervalDuration(config)
		if err != nil {
			return nil, err
		}
		return cron.Every(d), nil
	case TriggerDate:
		at, err := RunAt(config, loc)
		if err != nil {
			return nil, err
		}
		return onceSchedule{at: at}, nil
	case TriggerEvent, TriggerCondition, TriggerStartup:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown trigger type %q", ErrConfiguration, triggerType)
	}
}

// EventName returns the event an event-triggered task listens to.
func EventName(config map[string]any) string {
	for _, key := range []string{"name", "event"} {
		if v, ok := config[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ValidateTrigger checks a trigger config without scheduling it.
func ValidateTrigger(triggerType TriggerType, config map[string]any, loc *time.Location) error {
	if !triggerType.Valid() {
		return fmt.Errorf("%w: unknown trigger type %q", ErrConfiguration, triggerType)
	}
	if triggerType == TriggerEvent && EventName(config) == "" {
		return fmt.Errorf("%w: event trigger requires name", ErrConfiguration)
	}
	_, err := BuildSchedule(triggerType, config, loc)
	return err
}
