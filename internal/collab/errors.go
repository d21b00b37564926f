package collab

import "errors"

// Domain errors returned by the collaboration core. Callers match them with
// errors.Is; the returned errors usually wrap one of these with detail.
var (
	// ErrInvalidPosition indicates a position that does not resolve to an
	// offset in the current content.
	ErrInvalidPosition = errors.New("invalid position")

	// ErrInvalidRange indicates a range whose start resolves after its end.
	ErrInvalidRange = errors.New("invalid range")

	// ErrInvalidInput indicates malformed input such as a nil operation or a
	// nil user id.
	ErrInvalidInput = errors.New("invalid input")

	// ErrOperationConflict is reserved for automatic merge failures.
	ErrOperationConflict = errors.New("operation conflict")

	// ErrDocumentNotFound indicates the requested document does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrEventPublish indicates an event could not be handed to the event bus.
	// It is never fatal to the mutation that produced the event.
	ErrEventPublish = errors.New("event publish failed")

	// Reserved for transform pipelines beyond linear version-vector merge.

	ErrTransformation    = errors.New("transformation failed")
	ErrResolutionTimeout = errors.New("resolution timed out")
	ErrMergeConflict     = errors.New("merge conflict")
)
