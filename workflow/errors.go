package workflow

// WorkflowError reports a malformed workflow document or a failed step:
// unknown step or parent, cycle, invalid action, failed monitoring.
type WorkflowError struct {
	Message string
}

// Error is part of the error interface.
func (e *WorkflowError) Error() string {
	return e.Message
}
