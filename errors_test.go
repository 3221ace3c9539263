package macroute

import (
	"errors"
	"testing"
)

type countingHandler struct {
	calls int
	last  error
}

func (h *countingHandler) HandleError(err error) {
	h.calls++
	h.last = err
}

func TestLoggingErrorHandlerForwardsToBoth(t *testing.T) {
	var logged []error
	under := &countingHandler{}
	h := NewLoggingErrorHandler(under, func(err error) { logged = append(logged, err) })

	boom := errors.New("boom")
	h.HandleError(boom)

	if len(logged) != 1 || !errors.Is(logged[0], boom) {
		t.Errorf("logged = %v, want [boom]", logged)
	}
	if under.calls != 1 || !errors.Is(under.last, boom) {
		t.Errorf("underlying: calls=%d last=%v, want 1/boom", under.calls, under.last)
	}
}

func TestLoggingErrorHandlerTolerateNilParts(t *testing.T) {
	NewLoggingErrorHandler(nil, nil).HandleError(errors.New("boom"))

	var logged int
	h := NewLoggingErrorHandler(nil, func(error) { logged++ })
	h.HandleError(errors.New("boom"))
	if logged != 1 {
		t.Errorf("logger calls = %d, want 1", logged)
	}
}
