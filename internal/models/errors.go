package models

import "errors"

// Sentinel errors of the core. Callers classify with errors.Is; the HTTP
// adapter maps them to status codes.
var (
	// ErrUnknownPipelineType - registry miss at start or status time.
	ErrUnknownPipelineType = errors.New("unknown pipeline type")

	// ErrNotFound - pipeline ID not present in storage.
	ErrNotFound = errors.New("pipeline not found")

	// ErrJobNotFound - named job not in the pipeline's job list.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState - operation incompatible with the current status,
	// e.g. restart of a processing pipeline.
	ErrInvalidState = errors.New("invalid pipeline state")

	// ErrInvalidInput - missing required field in a start/restart request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicatePipelineID - create collided with an existing record;
	// observed only under concurrent starts of identical input.
	ErrDuplicatePipelineID = errors.New("duplicate pipeline id")
)
