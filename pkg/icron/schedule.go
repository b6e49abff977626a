package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts optional seconds and descriptors such as "@every 2s".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
	Last       time.Time `json:"last,omitempty"`

	TimeSinceLast time.Duration `json:"time_since_last,omitempty"`
	TimeUntilNext time.Duration `json:"time_until_next"`
}

func Validate(expr string) error {
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// GetTriggerInfo reports the next firing after refTime and, searching back up
// to a year, the most recent one at or before it.
func GetTriggerInfo(expr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	info := &TriggerInfo{
		Expression: expr,
		Next:       schedule.Next(refTime),
	}
	info.TimeUntilNext = info.Next.Sub(refTime)

	searchStart := refTime.Add(-time.Minute)
	for i := range 366 * 24 {
		candidate := schedule.Next(searchStart.Add(-time.Duration(i) * time.Hour))
		if !candidate.After(refTime) {
			info.Last = candidate
			info.TimeSinceLast = refTime.Sub(candidate)
			break
		}
	}
	return info, nil
}
