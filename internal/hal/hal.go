// Package hal describes the audio object model the capture pipeline drives:
// aggregate devices, taps, I/O procedures and property listeners.
//
// A Backend owns every object it hands out. Object ids are only meaningful
// to the backend that created them and stay valid until the matching
// Destroy call.
package hal

import (
	"github.com/tphakala/meetrec/internal/audiocore"
)

// ObjectID identifies a backend object (device, tap or endpoint).
type ObjectID uint32

// UnknownObject is never a valid object id.
const UnknownObject ObjectID = 0

// IOProcID identifies a registered I/O procedure.
type IOProcID uint32

// ListenerID identifies a registered property listener.
type ListenerID uint32

// TapTarget selects what a tap mirrors.
type TapTarget int

const (
	// TargetDefaultOutput mirrors whatever the system plays.
	TargetDefaultOutput TapTarget = iota
	// TargetDefaultInput mirrors the default microphone.
	TargetDefaultInput
)

func (t TapTarget) String() string {
	switch t {
	case TargetDefaultOutput:
		return "default-output"
	case TargetDefaultInput:
		return "default-input"
	default:
		return "unknown"
	}
}

// TapDescription is passed to Backend.CreateTap.
type TapDescription struct {
	Name   string
	UID    string
	Target TapTarget
	Mono   bool
}

// Property is a device property that can change while I/O runs.
type Property int

const (
	// PropertyStreamFormat fires when the device stream format changes.
	PropertyStreamFormat Property = iota
	// PropertyDeviceIsAlive fires when the device disappears or stops on its own.
	PropertyDeviceIsAlive
	// PropertyDeviceHasChanged fires when the device configuration changes.
	PropertyDeviceHasChanged
	// PropertyOverload fires when the device missed an I/O deadline.
	PropertyOverload
)

func (p Property) String() string {
	switch p {
	case PropertyStreamFormat:
		return "stream-format"
	case PropertyDeviceIsAlive:
		return "device-is-alive"
	case PropertyDeviceHasChanged:
		return "device-has-changed"
	case PropertyOverload:
		return "overload"
	default:
		return "unknown"
	}
}

// Buffer carries one stream of a cycle in the device's native format.
// Interleaved streams use one buffer for all channels; planar streams use
// one buffer per channel.
type Buffer struct {
	Channels int
	Data     []byte
}

// BufferList holds the input buffers of one I/O cycle.
type BufferList struct {
	Buffers []Buffer
}

// IOProc is called by the backend on its real-time goroutine once per
// cycle. It must not block, allocate or log. A returned error is counted
// by the backend as a failed cycle.
type IOProc func(in *BufferList, frameCount int, ts audiocore.Timestamp) error

// PropertyListener is called on a notification goroutine, never on the
// real-time goroutine.
type PropertyListener func(device ObjectID, props []Property)

// SystemAudioChecker is implemented by backends that can only capture the
// system output on some hosts. SystemAudioSupport explains why a tap on
// TargetDefaultOutput would fail, or returns nil.
type SystemAudioChecker interface {
	SystemAudioSupport() error
}

// Backend is the OS audio object model.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	CreateAggregateDevice(name, uid string) (ObjectID, error)
	DestroyAggregateDevice(device ObjectID) error

	CreateTap(desc TapDescription) (ObjectID, error)
	DestroyTap(tap ObjectID) error

	AttachTap(device, tap ObjectID) error
	DetachTap(device, tap ObjectID) error
	// DeviceTaps reports the taps currently attached to device, as the OS sees them.
	DeviceTaps(device ObjectID) ([]ObjectID, error)

	ObjectName(id ObjectID) (string, error)
	DefaultInputDevice() (ObjectID, error)
	InputStreamFormats(device ObjectID) ([]audiocore.StreamFormat, error)

	CreateIOProc(device ObjectID, proc IOProc) (IOProcID, error)
	DestroyIOProc(device ObjectID, id IOProcID) error
	StartIO(device ObjectID, id IOProcID) error
	StopIO(device ObjectID, id IOProcID) error

	AddPropertyListener(device ObjectID, listener PropertyListener) (ListenerID, error)
	RemovePropertyListener(device ObjectID, id ListenerID) error

	Close() error
}
