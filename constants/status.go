package constants

// JobStatus is the canonical status for rows in preprocess_jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "pending"    // created, waiting for a worker
	JobStatusProcessing JobStatus = "processing" // handler running
	JobStatusCompleted  JobStatus = "completed"  // terminal success, result set
	JobStatusFailed     JobStatus = "failed"     // terminal failure, error set
)

// predecessors lists, for each status, the statuses a job may leave to reach it.
var predecessors = map[JobStatus][]JobStatus{
	JobStatusProcessing: {JobStatusPending},
	JobStatusCompleted:  {JobStatusProcessing},
	JobStatusFailed:     {JobStatusProcessing},
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition can leave s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether pending -> processing -> {completed, failed} allows s -> next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, from := range predecessors[next] {
		if from == s {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which next can be reached.
func Predecessors(next JobStatus) []JobStatus {
	out := make([]JobStatus, len(predecessors[next]))
	copy(out, predecessors[next])
	return out
}
