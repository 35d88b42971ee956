package energy

import "errors"

// Error taxonomy shared by every package of the module. Errors are
// wrapped with fmt.Errorf("...: %w") so callers match them with
// errors.Is.
var (
	// ErrConfiguration reports a malformed device specification or an
	// invalid construction parameter
	ErrConfiguration = errors.New("configuration error")

	// ErrNotImplemented reports an energy builder which does not
	// define an energy expression
	ErrNotImplemented = errors.New("energy op not implemented")

	// ErrShape reports a batch whose rank, dimension or dtype does not
	// match the graph placeholder
	ErrShape = errors.New("shape mismatch")

	// ErrResource reports a failure to allocate a device or compile
	// and run a machine
	ErrResource = errors.New("resource error")
)
