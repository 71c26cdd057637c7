package requester

import (
	"encoding/json"
	"fmt"
)

// ConflictError is returned when the API answers 409: the requested
// operation clashes with the current state of the entity (deleting a
// published offering, overlapping uploads, ...). The server body is
// kept so callers can surface the reason to the user.
type ConflictError struct {
	URL  string
	Body []byte
}

// Message extracts the human readable conflict reason from the server
// body, falling back to the raw body.
func (e *ConflictError) Message() string {
	if msg := serverMessage(e.Body); msg != "" {
		return msg
	}
	return string(e.Body)
}

// Error is part of the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("La requête envoyée à l'Entrepôt génère un conflit. L'état de l'entité ne permet pas l'opération demandée. %s", e.Message())
}

// BadRequestError is returned when the API answers 400: the request
// the program built is malformed. Not retryable, this is a bug.
type BadRequestError struct {
	URL    string
	Detail string
}

// Error is part of the error interface.
func (e *BadRequestError) Error() string {
	detail := e.Detail
	if detail == "" {
		detail = "Pas d'indication spécifique indiquée par l'API."
	}
	return fmt.Sprintf("La requête formulée par le programme est incorrecte (%s). Contactez le support.", detail)
}

// serverMessage pulls the first message-looking field out of an API
// error payload. The Entrepôt API is not consistent: errors come back
// as {"error": ...}, {"error_description": [...]} or plain text.
func serverMessage(body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"error_description", "error", "message"} {
		switch v := payload[key].(type) {
		case string:
			return v
		case []interface{}:
			var out string
			for _, item := range v {
				if s, ok := item.(string); ok {
					if out != "" {
						out += " "
					}
					out += s
				}
			}
			if out != "" {
				return out
			}
		}
	}
	return ""
}

// transientError marks a failed attempt that the request loop may
// retry: a transport level failure or a retryable HTTP status.
type transientError struct {
	connection bool
	cause      error
}

// Error is part of the error interface.
func (e *transientError) Error() string {
	return e.cause.Error()
}

// Unwrap is part of the errors chain.
func (e *transientError) Unwrap() error {
	return e.cause
}
