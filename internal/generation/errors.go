package generation

import "errors"

var (
	// ErrUnknownModel is returned for a model id missing from the catalog
	ErrUnknownModel = errors.New("unknown model")

	// ErrImageRequired is returned when a model needs an input image and none was sent
	ErrImageRequired = errors.New("model requires an input image")

	// ErrGenerationFailed wraps provider failures
	ErrGenerationFailed = errors.New("generation failed")

	// ErrProviderUnavailable is returned when no generator is configured for a model's provider
	ErrProviderUnavailable = errors.New("generation provider not configured")

	// ErrInvalidConfig is returned by generator constructors
	ErrInvalidConfig = errors.New("invalid generator configuration")
)
