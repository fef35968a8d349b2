package tasks

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/model"
)

var durationPartRe = regexp.MustCompile(`(\d+)([DHMS])`)

// ParseISODuration converts an ISO 8601 duration (PT5M, PT1H30M, P1D) to a
// time.Duration. Minutes before the T separator are treated as minutes too;
// the workflows this engine runs never use month durations.
func ParseISODuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var total time.Duration
	matched := false
	for _, m := range durationPartRe.FindAllStringSubmatch(s, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", s, err)
		}
		matched = true
		switch m[2] {
		case "D":
			total += time.Duration(n) * 24 * time.Hour
		case "H":
			total += time.Duration(n) * time.Hour
		case "M":
			total += time.Duration(n) * time.Minute
		case "S":
			total += time.Duration(n) * time.Second
		}
	}
	if !matched {
		return 0, fmt.Errorf("duration %q: no components", s)
	}
	return total, nil
}

// TimerDuration resolves an element's timer configuration to a wait.
// Supported timerType values: duration (ISO 8601), date (RFC 3339), cycle
// (R<n>/<duration>, only the duration part is honored).
func TimerDuration(el *model.Element) (time.Duration, error) {
	switch el.StringProp("timerType", "duration") {
	case "date":
		target, err := time.Parse(time.RFC3339, el.StringProp("timerDate", ""))
		if err != nil {
			return 0, fmt.Errorf("timerDate: %w", err)
		}
		d := time.Until(target)
		if d < 0 {
			d = 0
		}
		return d, nil
	case "cycle":
		cycle := el.StringProp("timerCycle", "PT1M")
		if i := lastSlash(cycle); i >= 0 {
			cycle = cycle[i+1:]
		}
		return ParseISODuration(cycle)
	default:
		return ParseISODuration(el.StringProp("timerDuration", "PT30S"))
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// TimerCatchRunner implements the intermediate timer catch event: the branch
// simply waits out the configured duration.
type TimerCatchRunner struct{}

func (r *TimerCatchRunner) Execute(ctx context.Context, el *model.Element, rt Runtime) error {
	d, err := TimerDuration(el)
	if err != nil {
		rt.Logger().Warn("timer configuration invalid, using default",
			zap.String("element_id", el.ID), zap.Error(err))
		d = 30 * time.Second
	}

	rt.Logger().Info("timer waiting",
		zap.String("element_id", el.ID), zap.Duration("duration", d))
	if err := progress(ctx, rt, el, "waiting", "Timer started: "+el.Name, 0.1); err != nil {
		return err
	}

	if err := sleep(ctx, d); err != nil {
		return err
	}

	rt.Context().Set(el.ID+"_timer_completed", time.Now().UTC().Format(time.RFC3339))
	return progress(ctx, rt, el, "completed", fmt.Sprintf("Timer completed: waited %s", d), 1.0)
}
