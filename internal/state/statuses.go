package state

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusDeferred   JobStatus = "deferred"
	StatusProcessing JobStatus = "processing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusRetrying   JobStatus = "retrying"
	StatusCanceled   JobStatus = "canceled"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether a job in this status will never run again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// IsPending reports whether the job is waiting to run.
func (s JobStatus) IsPending() bool {
	return s == StatusQueued || s == StatusDeferred || s == StatusRetrying
}

var AllStatuses = []JobStatus{
	StatusQueued,
	StatusDeferred,
	StatusProcessing,
	StatusSucceeded,
	StatusFailed,
	StatusRetrying,
	StatusCanceled,
}

var TerminalStatuses = []JobStatus{StatusSucceeded, StatusFailed, StatusCanceled}

var PendingStatuses = []JobStatus{StatusQueued, StatusDeferred, StatusRetrying}

type Transition struct {
	From JobStatus
	To   JobStatus
}

var ValidTransitions = []Transition{
	{From: StatusDeferred, To: StatusQueued},
	{From: StatusDeferred, To: StatusFailed},
	{From: StatusQueued, To: StatusProcessing},
	{From: StatusRetrying, To: StatusProcessing},
	{From: StatusProcessing, To: StatusSucceeded},
	{From: StatusProcessing, To: StatusFailed},
	{From: StatusProcessing, To: StatusRetrying},
	{From: StatusProcessing, To: StatusQueued}, // stale lock recovery
	{From: StatusQueued, To: StatusCanceled},
	{From: StatusDeferred, To: StatusCanceled},
	{From: StatusRetrying, To: StatusCanceled},
	{From: StatusProcessing, To: StatusCanceled},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Strings converts a list of statuses for use as a SQL array argument.
func Strings(statuses []JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
