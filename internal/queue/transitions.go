package queue

// forwardTransitions is the happy path graph. FAILED and CANCELLED are
// reachable from every non-terminal status and are added by CanTransition.
var forwardTransitions = map[Status]Status{
	StatusPending:               StatusDownloading,
	StatusDownloading:           StatusDownloaded,
	StatusDownloaded:            StatusGeneratingControlFile,
	StatusGeneratingControlFile: StatusControlFileReady,
	StatusControlFileReady:      StatusQueuedForBurn,
	StatusQueuedForBurn:         StatusBurning,
	StatusBurning:               StatusVerifying,
	StatusVerifying:             StatusCompleted,
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		// Retry is the only way out of a terminal status.
		return to == StatusPending
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	next, ok := forwardTransitions[from]
	return ok && next == to
}

// NextStatus returns the forward successor of s, if any.
func NextStatus(s Status) (Status, bool) {
	next, ok := forwardTransitions[s]
	return next, ok
}

type statusTransition struct {
	from Status
	to   Status
}

// restartRollbackTransitions move jobs interrupted by a daemon restart back to
// the last status whose work can be repeated safely.
var restartRollbackTransitions = []statusTransition{
	{from: StatusDownloading, to: StatusPending},
	{from: StatusGeneratingControlFile, to: StatusDownloaded},
	{from: StatusBurning, to: StatusQueuedForBurn},
	{from: StatusVerifying, to: StatusQueuedForBurn},
}

func rollbackStatus(s Status) (Status, bool) {
	for _, tr := range restartRollbackTransitions {
		if tr.from == s {
			return tr.to, true
		}
	}
	return s, false
}

// RestartRollbacks returns the status each interrupted status resumes from
// after a daemon restart.
func RestartRollbacks() map[Status]Status {
	out := make(map[Status]Status, len(restartRollbackTransitions))
	for _, tr := range restartRollbackTransitions {
		out[tr.from] = tr.to
	}
	return out
}
