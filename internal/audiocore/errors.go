package audiocore

import (
	"github.com/tphakala/meetrec/internal/errors"
)

// ComponentAudioCore identifies errors raised by the shared pipeline types.
const ComponentAudioCore = "audiocore"

// Sentinel errors. errors.Is matches them by category, so any error built
// with the same category (from any component) satisfies the check.
var (
	// ErrDeviceCreation is returned when the OS refuses to build an aggregate device
	ErrDeviceCreation = errors.New(nil).
				Component(ComponentAudioCore).
				Category(errors.CategoryDeviceCreation).
				Build()

	// ErrTapCreation is returned when the OS refuses to create a tap
	ErrTapCreation = errors.New(nil).
			Component(ComponentAudioCore).
			Category(errors.CategoryTapCreation).
			Build()

	// ErrAlreadyRunning is returned on start of an already running capture
	ErrAlreadyRunning = errors.New(nil).
				Component(ComponentAudioCore).
				Category(errors.CategoryAlreadyRunning).
				Build()

	// ErrNotRunning is returned by control calls that need a running session
	ErrNotRunning = errors.New(nil).
			Component(ComponentAudioCore).
			Category(errors.CategoryNotRunning).
			Build()

	// ErrFormatMismatch is returned for stream formats the pipeline cannot combine
	ErrFormatMismatch = errors.New(nil).
				Component(ComponentAudioCore).
				Category(errors.CategoryFormatMismatch).
				Build()

	// ErrResourceLeak is returned when an OS object could not be released
	ErrResourceLeak = errors.New(nil).
			Component(ComponentAudioCore).
			Category(errors.CategoryResourceLeak).
			Build()

	// ErrIOFailure is returned when a real-time cycle could not be processed
	ErrIOFailure = errors.New(nil).
			Component(ComponentAudioCore).
			Category(errors.CategoryIOFailure).
			Build()

	// ErrFileIO is returned when the output file cannot be written
	ErrFileIO = errors.New(nil).
			Component(ComponentAudioCore).
			Category(errors.CategoryFileIO).
			Build()

	// ErrDeviceUnknown is returned when a device handle no longer resolves
	ErrDeviceUnknown = errors.New(nil).
				Component(ComponentAudioCore).
				Category(errors.CategoryNotFound).
				Context("resource", "audio_device").
				Build()
)
