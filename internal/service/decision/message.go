package decision

import (
	"fmt"
	"time"

	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
)

// ActionMessage renders the notice sent to the affected user.
func ActionMessage(decision *moderation.ActionDecision, community string) string {
	if decision == nil {
		return ""
	}
	switch decision.Action {
	case moderation.ActionWarning:
		return fmt.Sprintf("You have received a warning in %s.\nReason: %s\nPlease review the community rules.",
			community, decision.Reason)
	case moderation.ActionTimeout:
		return fmt.Sprintf("You have been timed out in %s for %s.\nReason: %s",
			community, FormatDuration(decision.TimeoutDuration), decision.Reason)
	case moderation.ActionKick:
		return fmt.Sprintf("You have been removed from %s.\nReason: %s\nYou may rejoin, but further violations may result in a ban.",
			community, decision.Reason)
	case moderation.ActionBan:
		return fmt.Sprintf("You have been banned from %s.\nReason: %s",
			community, decision.Reason)
	default:
		return ""
	}
}

// FormatDuration renders a timeout length in the largest whole unit.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return plural(int(d/time.Second), "second")
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/(24*time.Hour)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
