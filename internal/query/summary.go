package query

import (
	"fmt"

	"github.com/maruel/jules/internal/model"
)

// maxSummaryChars is the truncation point for message-derived summaries.
const maxSummaryChars = 100

// Summarize derives the computed "summary" field for an activity, per the
// per-type rules shared with Snapshot's timeline.
func Summarize(a model.Activity) string {
	switch a.Type {
	case model.ActivityPlanGenerated:
		n := 0
		if a.Plan != nil {
			n = len(a.Plan.Steps)
		}
		return fmt.Sprintf("Plan with %d steps", n)
	case model.ActivityPlanApproved:
		return "Plan approved"
	case model.ActivitySessionCompleted:
		return "Session completed"
	case model.ActivitySessionFailed:
		return "Failed: " + a.FailureReason
	case model.ActivityUserMessaged:
		return "User: " + truncate(a.UserMessage)
	case model.ActivityAgentMessaged:
		return "Agent: " + truncate(a.AgentMessage)
	case model.ActivityProgressUpdated:
		switch {
		case a.ProgressTitle != "":
			return a.ProgressTitle
		case a.ProgressDesc != "":
			return a.ProgressDesc
		default:
			return "Progress update"
		}
	default:
		return string(a.Type)
	}
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxSummaryChars {
		return s
	}
	return string(r[:maxSummaryChars]) + "..."
}
