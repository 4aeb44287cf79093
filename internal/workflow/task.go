package workflow

import "fmt"

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskActive    TaskStatus = "ACTIVE"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskBlocked   TaskStatus = "BLOCKED"
)

var taskStatuses = []TaskStatus{TaskPending, TaskActive, TaskCompleted, TaskFailed, TaskBlocked}

func ParseTaskStatus(s string) (TaskStatus, error) {
	for _, st := range taskStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// transitions lists the moves a caller may request. BLOCKED -> PENDING is
// not here; it only happens through Workflow.Unblock.
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskActive},
	TaskActive:  {TaskCompleted, TaskFailed},
	TaskFailed:  {TaskActive},
}

func (s TaskStatus) CanTransitionTo(to TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted
}
