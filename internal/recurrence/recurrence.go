// Package recurrence evaluates calendar recurrence rules. The primary form
// is an iCalendar RRULE body ("FREQ=DAILY;BYHOUR=9"); operator-style
// "cron:", "every:" and "at:" prefixed rules are accepted as well.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Rule is a parsed recurrence rule.
type Rule struct {
	Kind     string // "rrule", "cron", "every" or "at"
	Raw      string
	option   rrule.ROption
	cronExpr string
	every    time.Duration
	at       time.Time
}

// Parse parses a recurrence rule string.
func Parse(raw string) (Rule, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Rule{}, fmt.Errorf("recurrence rule is required")
	}

	switch {
	case strings.HasPrefix(trimmed, "cron:"):
		expr := strings.TrimSpace(strings.TrimPrefix(trimmed, "cron:"))
		if _, err := cronParser.Parse(expr); err != nil {
			return Rule{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return Rule{Kind: "cron", Raw: raw, cronExpr: expr}, nil

	case strings.HasPrefix(trimmed, "every:"):
		value := strings.TrimSpace(strings.TrimPrefix(trimmed, "every:"))
		every, err := time.ParseDuration(value)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid every duration: %w", err)
		}
		if every <= 0 {
			return Rule{}, fmt.Errorf("every duration must be positive")
		}
		return Rule{Kind: "every", Raw: raw, every: every}, nil

	case strings.HasPrefix(trimmed, "at:"):
		value := strings.TrimSpace(strings.TrimPrefix(trimmed, "at:"))
		at, err := parseAt(value)
		if err != nil {
			return Rule{}, err
		}
		return Rule{Kind: "at", Raw: raw, at: at}, nil

	default:
		body := strings.TrimPrefix(trimmed, "RRULE:")
		option, err := rrule.StrToROption(body)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid recurrence rule: %w", err)
		}
		return Rule{Kind: "rrule", Raw: raw, option: *option}, nil
	}
}

// Validate reports whether raw parses as a recurrence rule.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

// NextAfter returns the first occurrence strictly after the given instant,
// evaluated in loc (nil means UTC). ok=false means the rule has no further
// occurrences.
func (r Rule) NextAfter(after time.Time, loc *time.Location) (next time.Time, ok bool, err error) {
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)

	switch r.Kind {
	case "rrule":
		option := r.option
		if option.Dtstart.IsZero() {
			// Anchor evaluation at the reference instant so interval
			// rules without BY* parts stay phase-stable.
			option.Dtstart = local
		}
		rule, err := rrule.NewRRule(option)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid recurrence rule: %w", err)
		}
		next := rule.After(local, false)
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		return next, true, nil

	case "cron":
		schedule, err := cronParser.Parse(r.cronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid cron expression: %w", err)
		}
		next := schedule.Next(local)
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		return next, true, nil

	case "every":
		return after.Add(r.every), true, nil

	case "at":
		if r.at.After(after) {
			return r.at, true, nil
		}
		return time.Time{}, false, nil

	default:
		return time.Time{}, false, fmt.Errorf("unknown recurrence kind %q", r.Kind)
	}
}

// NextAfter parses raw and returns its first occurrence strictly after the
// given instant.
func NextAfter(raw string, after time.Time, loc *time.Location) (time.Time, bool, error) {
	rule, err := Parse(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return rule.NextAfter(after, loc)
}

func parseAt(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("at rule requires a timestamp")
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	if parsed, err := time.Parse("2006-01-02 15:04", value); err == nil {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("invalid at timestamp: %s", value)
}
