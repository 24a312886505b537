package dispatcher

import "fmt"

// ErrorKind is the dispatcher's exhaustive error taxonomy. Every error
// returned out of Dispatcher.Run carries exactly one kind; the HTTP layer
// maps every kind to a 5xx with a synthetic Result{Failed} body.
type ErrorKind string

const (
	// KindEnvironmentSetup means the engine, sandbox, or credentials could
	// not be prepared. Not retryable.
	KindEnvironmentSetup ErrorKind = "EnvironmentSetup"
	// KindRetrieve means an OCI pull or cache I/O operation failed. Not
	// retryable by the dispatcher.
	KindRetrieve ErrorKind = "Retrieve"
	// KindPrecompile means the fetched bytes are not a valid module.
	KindPrecompile ErrorKind = "Precompile"
	// KindInvocation means the module was launched and produced an
	// infrastructure-level failure: a trap observed before any result was
	// written, a Pod that reached phase Failed, or a watch error. Distinct
	// from a module-reported Phase Failed, which is returned as a
	// successful Run with no error.
	KindInvocation ErrorKind = "Invocation"
	// KindOutputProcessing means a result was produced but could not be
	// parsed.
	KindOutputProcessing ErrorKind = "OutputProcessing"
	// KindTimeout means a Distributed-mode wait exceeded its budget. Not
	// retryable here.
	KindTimeout ErrorKind = "Timeout"
)

// Error is a structured dispatcher failure: a taxonomy kind plus the
// underlying cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap builds an *Error of the given kind around err, or returns nil if err
// is nil so call sites can wrap unconditionally.
func wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}
