package failure

import "context"

// ImmediateDeletePolicy deletes messages whose failure is structural and
// keeps the handler's own decision for handler and middleware errors.
type ImmediateDeletePolicy struct{}

func (ImmediateDeletePolicy) Decide(_ context.Context, kind Kind, inner error, current Result) Result {
	if kind == FailNone {
		return current
	}
	if kind.Structural() {
		current.ShouldDelete = true
	}
	return attach(current, inner)
}
