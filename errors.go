package qualcode

import "errors"

var (
	// ErrNoCodebooks is returned when an operation receives no codebooks.
	ErrNoCodebooks = errors.New("qualcode: no codebooks")

	// ErrLLMUnavailable is returned when an LLM provider cannot be created.
	ErrLLMUnavailable = errors.New("qualcode: LLM provider unavailable")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("qualcode: invalid configuration")

	// ErrUnknownStage is returned for a consolidation stage name that does
	// not exist.
	ErrUnknownStage = errors.New("qualcode: unknown consolidation stage")
)
