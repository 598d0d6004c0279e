package failure

import "context"

// SQSRedrivePolicy never deletes a failed message. The queue's redrive
// policy takes over retries and dead-lettering.
type SQSRedrivePolicy struct{}

func (SQSRedrivePolicy) Decide(_ context.Context, kind Kind, inner error, current Result) Result {
	if kind == FailNone {
		return current
	}
	current.ShouldDelete = false
	return attach(current, inner)
}
