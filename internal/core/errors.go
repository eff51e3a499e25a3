package core

import "errors"

var (
	// ErrConfiguration marks invalid task, trigger or workflow definitions.
	ErrConfiguration = errors.New("configuration error")
	// ErrExecution marks a failing action handler.
	ErrExecution = errors.New("execution error")
	// ErrPersistence marks a snapshot read or write failure.
	ErrPersistence = errors.New("persistence error")

	ErrTaskNotFound     = errors.New("task not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrTaskBusy         = errors.New("task is already running")
	ErrUnknownAction    = errors.New("unknown action")
	ErrDependencyCycle  = errors.New("dependency cycle")
)
