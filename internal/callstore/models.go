package callstore

// Call statuses, per the calls.status lifecycle: new -> up -> ended, with
// a terminal failed branch.
const (
	StatusNew    = "new"
	StatusUp     = "up"
	StatusEnded  = "ended"
	StatusFailed = "failed"
)
