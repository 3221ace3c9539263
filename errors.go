package macroute

import "fmt"

// ErrorHandler receives errors from the engine's coordination goroutine and
// background workers. The engine never stops on a handled error; the handler
// decides whether to log, aggregate or escalate.
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler prints errors to stdout.
type DefaultErrorHandler struct{}

// HandleError implements ErrorHandler.
func (h *DefaultErrorHandler) HandleError(err error) {
	fmt.Printf("Engine Error: %v\n", err)
}

// LoggingErrorHandler forwards errors to a logger function before handing
// them to an underlying handler. Either part may be nil.
type LoggingErrorHandler struct {
	underlying ErrorHandler
	logger     func(error)
}

// NewLoggingErrorHandler creates a new logging error handler.
func NewLoggingErrorHandler(underlying ErrorHandler, logger func(error)) *LoggingErrorHandler {
	return &LoggingErrorHandler{
		underlying: underlying,
		logger:     logger,
	}
}

// HandleError implements ErrorHandler.
func (h *LoggingErrorHandler) HandleError(err error) {
	if h.logger != nil {
		h.logger(err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error (useful for development).
type PanicErrorHandler struct{}

// HandleError implements ErrorHandler.
func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("Engine error: %v", err))
}
