package domain

import "errors"

// Error taxonomy (sentinels). Leaf adapters surface these; the dispatcher
// translates retriable kinds into rescheduling and fatal kinds into DLQ
// routing.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrCircuitOpen    = errors.New("circuit open")
	ErrThrottled      = errors.New("throttled")
	ErrTransient      = errors.New("transient failure")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrQueueHalted    = errors.New("queue halted")
	ErrJobCancelled   = errors.New("job cancelled")
	ErrFatal          = errors.New("fatal failure")
)

// Retriable reports whether the dispatcher may reschedule work that failed
// with err. Cancellation, budget refusals and validation failures are
// terminal; throttling and transient faults are not.
func Retriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrJobCancelled),
		errors.Is(err, ErrBudgetExceeded),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrFatal):
		return false
	case errors.Is(err, ErrThrottled),
		errors.Is(err, ErrTransient),
		errors.Is(err, ErrCircuitOpen):
		return true
	}
	return false
}
