//go:build !cgo || noaudio

package malgo

import (
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal"
	"github.com/tphakala/meetrec/internal/logger"
)

func errDisabled() error {
	return errors.Newf("audio disabled at compile time").
		Component(componentMalgo).
		Category(errors.CategoryConfiguration).
		Build()
}

// New always fails in builds without audio support.
func New(_ Config, _ logger.Logger) (hal.Backend, error) {
	return nil, errDisabled()
}

// ListDevices always fails in builds without audio support.
func ListDevices() ([]DeviceInfo, error) {
	return nil, errDisabled()
}
