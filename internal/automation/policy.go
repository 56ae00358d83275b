package automation

import (
	"fmt"
	"strings"
	"time"

	"github.com/linktrack/backend/internal/models"
	"github.com/shopspring/decimal"
)

// Decision is the outcome of the threshold policy. Activate and Pause double
// as the manual override actions.
type Decision int

const (
	NoAction Decision = iota
	Activate
	Pause
)

func (d Decision) String() string {
	switch d {
	case Activate:
		return "activate"
	case Pause:
		return "pause"
	default:
		return "no_action"
	}
}

// ParseAction parses a manual override action.
func ParseAction(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "activate":
		return Activate, nil
	case "pause":
		return Pause, nil
	}
	return NoAction, fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// TierFor classifies today's spend against the high-spend threshold.
func TierFor(spend, threshold decimal.Decimal) models.SpendTier {
	if spend.LessThan(threshold) {
		return models.SpendTierLow
	}
	return models.SpendTierHigh
}

type PolicyInput struct {
	Remaining  int64
	Active     bool
	Thresholds models.TierThresholds
	// CooldownUntil withholds activation after a recent pause.
	CooldownUntil *time.Time
	Now           time.Time
}

// Decide is the only place thresholds are evaluated. First match wins:
//
//	paused, remaining >= activateAt -> Activate
//	active, remaining <  pauseAt    -> Pause
//	otherwise                       -> NoAction (hysteresis band holds state)
func Decide(in PolicyInput) Decision {
	if !in.Active && in.Remaining >= in.Thresholds.ActivateAt {
		if in.CooldownUntil != nil && in.Now.Before(*in.CooldownUntil) {
			return NoAction
		}
		return Activate
	}
	if in.Active && in.Remaining < in.Thresholds.PauseAt {
		return Pause
	}
	return NoAction
}

// cooldownUntil is the end of the post-pause recheck delay, or nil when the
// campaign is active or has no delay configured.
func cooldownUntil(c *models.Campaign) *time.Time {
	if c.AutomationState.IsActive() || c.PostPauseRecheckMinutes <= 0 || c.LastTransitionAt == nil {
		return nil
	}
	until := c.LastTransitionAt.Add(time.Duration(c.PostPauseRecheckMinutes) * time.Minute)
	return &until
}
