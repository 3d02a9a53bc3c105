package workshop

import (
	"fmt"
	"net/url"
)

// REST and stream path helpers
//
// Every path is scoped by workshop id. Phase-local endpoints follow the
// pattern /workshops/{id}/phase{N}/{action}.

// WorkshopPath returns the path of the authoritative workshop snapshot.
// Pattern: /workshops/{id}
func WorkshopPath(workshopID string) string {
	return fmt.Sprintf("/workshops/%s", url.PathEscape(workshopID))
}

// StreamPath returns the path of the workshop's event stream.
// Pattern: /workshops/{id}/stream
func StreamPath(workshopID string) string {
	return WorkshopPath(workshopID) + "/stream"
}

// AdvancePath returns the path that commits a phase transition.
// Pattern: /workshops/{id}/advance
func AdvancePath(workshopID string) string {
	return WorkshopPath(workshopID) + "/advance"
}

// PhasePath returns a phase-local endpoint.
// Pattern: /workshops/{id}/phase{N}/{action}
func PhasePath(workshopID string, phase Phase, action string) string {
	return fmt.Sprintf("%s/phase%d/%s", WorkshopPath(workshopID), int(phase), action)
}

// EmpathyStepAction returns the phase1 action name for an Empathy sub-step.
func EmpathyStepAction(step EmpathyStep) string {
	switch step {
	case StepEmpathyMap:
		return "empathy-map"
	case StepJourney:
		return "journey"
	case StepHMW:
		return "hmw"
	default:
		return string(step)
	}
}
