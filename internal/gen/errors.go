package gen

// ValidationError rejects malformed or unsafe scene code before any sandbox
// attempt is made. It is terminal: validation failures are never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid scene code: " + e.Reason
}
