package binding

import "errors"

var (
	// ErrNilImplementation rejects installing a nil value under a view.
	ErrNilImplementation = errors.New("binding: nil implementation")
	// ErrNilFactory rejects model creation without a factory.
	ErrNilFactory = errors.New("binding: nil model factory")
	// ErrFactoryResult reports a factory that returned nil or a value the caller cannot use.
	ErrFactoryResult = errors.New("binding: factory returned an unusable value")
	// ErrOriginReleased reports that the installed implementation's module was
	// released every time a model was about to be credited to it.
	ErrOriginReleased = errors.New("binding: implementation origin released")
)
