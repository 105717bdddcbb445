package extension

import "errors"

// Failure kinds of the extension registry. Callers match with errors.Is.
var (
	// ErrNotAnExtensionPoint reports a LoaderFor call on a type that was
	// never declared as a capability.
	ErrNotAnExtensionPoint = errors.New("type is not a declared extension point")

	// ErrNoSuchExtension reports a named lookup that matched nothing.
	ErrNoSuchExtension = errors.New("no such extension")

	// ErrDuplicateExtension reports two manifest entries binding one name
	// to different implementations.
	ErrDuplicateExtension = errors.New("duplicate extension name")

	// ErrAdaptiveURLMissing reports an adaptive call that carried no URL.
	ErrAdaptiveURLMissing = errors.New("adaptive call carries no url")

	// ErrAdaptiveNameUnresolved reports an adaptive call whose extension
	// name could not be derived from the URL or a default.
	ErrAdaptiveNameUnresolved = errors.New("adaptive extension name unresolved")

	// ErrNoAdaptiveMethod reports a GetAdaptive call on a point that
	// declares no adaptive implementation.
	ErrNoAdaptiveMethod = errors.New("extension point declares no adaptive implementation")

	// ErrNonAdaptiveMethod reports a call to a method the adaptive
	// instance cannot dispatch per-call.
	ErrNonAdaptiveMethod = errors.New("method is not adaptive")
)
