// Package events provides event subjects and bus provisioning for the
// runforge event system.
package events

// Subjects for run notifications mirrored on the event bus. Wildcards
// follow the bus pattern syntax: runs.*.status matches one run's status
// stream, runs.> matches everything.
const (
	RunStatus   = "status"
	RunEvent    = "event"
	RunApproval = "approval"
	RunError    = "error"
	RunPing     = "ping"
)

// RunSubject returns the bus subject for one notification kind of one run.
func RunSubject(runID, kind string) string {
	return "runs." + runID + "." + kind
}

// RunSubjectAll matches every notification of one run.
func RunSubjectAll(runID string) string {
	return "runs." + runID + ".>"
}
