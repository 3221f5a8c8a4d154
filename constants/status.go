package constants

// SessionStatus is the canonical status for rows in analysis_session.
type SessionStatus string

// Stable values (store these exact strings in DB).
const (
	SessionStatusPending    SessionStatus = "pending"    // created, not yet picked up
	SessionStatusProcessing SessionStatus = "processing" // pipeline running
	SessionStatusCompleted  SessionStatus = "completed"  // terminal: at least one report available
	SessionStatusFailed     SessionStatus = "failed"     // terminal failure
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// CanTransition reports whether a session may move from s to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionStatusPending:
		return next == SessionStatusProcessing || next == SessionStatusFailed
	case SessionStatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

// ResultStatus marks whether a pipeline result carries a usable diagnosis.
type ResultStatus string

const (
	ResultStatusPending ResultStatus = "pending" // diagnosis stored, artifacts not attached yet
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusError   ResultStatus = "error"
)
