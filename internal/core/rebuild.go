package core

// RebuildRun folds a run's event history over a stored base run, producing a
// state equivalent to the latest snapshot. Block events overwrite the matching
// instance with their embedded snapshot; run-level events drive the status.
func RebuildRun(base *Run, events []Event) *Run {
	run := base.Clone()
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case EventRunStart:
			if !run.Status.Terminal() {
				run.Status = RunRunning
			}
		case EventBlockStart, EventBlockComplete, EventBlockFail:
			if inst, ok := ev.BlockSnapshot(); ok {
				run.Blocks[inst.BlockID] = inst
			}
		case EventApprovalRequested:
			if !run.Status.Terminal() {
				run.Status = RunPausedApproval
			}
		case EventApprovalDecided:
			if run.Status == RunPausedApproval {
				run.Status = RunRunning
			}
		case EventRunComplete:
			run.Status = RunCompleted
		case EventRunFail:
			switch RunStatus(ev.DataString(EventDataStatus)) {
			case RunCancelled:
				run.Status = RunCancelled
			default:
				run.Status = RunFailed
			}
			if reason := ev.DataString(EventDataReason); reason != "" {
				run.Reason = reason
			}
		case EventRunIterated:
			run.Status = RunIterated
		}
		if ev.Timestamp.After(run.UpdatedAt) {
			run.UpdatedAt = ev.Timestamp
		}
	}
	return run
}
