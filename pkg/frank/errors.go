package frank

import "fmt"

// ParseError indicates the provider's login page could not be parsed into the
// embedded settings object. It is fatal to the login attempt that raised it.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse error: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// AuthFlowError indicates the login choreography or token exchange failed at
// a specific step. It is fatal to the login attempt that raised it; the next
// scheduled cycle retries from scratch.
type AuthFlowError struct {
	Step string
	Err  error
}

func (e *AuthFlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth flow failed at %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("auth flow failed at %s", e.Step)
}

func (e *AuthFlowError) Unwrap() error { return e.Err }
