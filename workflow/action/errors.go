package action

import (
	"github.com/juju/errors"
)

// ErrInterrupted is returned by the monitoring loops when a user
// interruption has been honoured, after the remote state has been
// settled (abort requested, freshly created outputs deleted).
const ErrInterrupted = errors.ConstError("interrompu par l'utilisateur")

// StepActionError reports a failed action precondition or a behavior
// policy rejection. Fatal to the action.
type StepActionError struct {
	Message string
}

// Error is part of the error interface.
func (e *StepActionError) Error() string {
	return "Erreur à l'exécution de l'action : " + e.Message
}
