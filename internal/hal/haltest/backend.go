// Package haltest provides an in-memory hal.Backend that behaves like the
// OS object model closely enough to test the capture pipeline: objects have
// ids and names, taps attach to devices, destroying a device with attached
// taps leaves them orphaned, and every operation can be made to fail.
//
// I/O is driven explicitly with Deliver and property changes with Notify,
// both running the registered callbacks synchronously on the caller's
// goroutine.
package haltest

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal"
)

// Op names a Backend method for failure injection and call logs.
type Op string

const (
	OpCreateAggregateDevice  Op = "CreateAggregateDevice"
	OpDestroyAggregateDevice Op = "DestroyAggregateDevice"
	OpCreateTap              Op = "CreateTap"
	OpDestroyTap             Op = "DestroyTap"
	OpAttachTap              Op = "AttachTap"
	OpDetachTap              Op = "DetachTap"
	OpDefaultInputDevice     Op = "DefaultInputDevice"
	OpInputStreamFormats     Op = "InputStreamFormats"
	OpCreateIOProc           Op = "CreateIOProc"
	OpDestroyIOProc          Op = "DestroyIOProc"
	OpStartIO                Op = "StartIO"
	OpStopIO                 Op = "StopIO"
	OpAddPropertyListener    Op = "AddPropertyListener"
	OpRemovePropertyListener Op = "RemovePropertyListener"
)

// DefaultMicrophoneName is the name of the pre-created input device.
const DefaultMicrophoneName = "Built-in Microphone"

type kind int

const (
	kindInput kind = iota
	kindAggregate
	kindTap
)

type ioProc struct {
	proc    hal.IOProc
	running bool
}

type object struct {
	id         hal.ObjectID
	kind       kind
	name       string
	uid        string
	format     audiocore.StreamFormat
	taps       []hal.ObjectID
	attachedTo hal.ObjectID
	procs      map[hal.IOProcID]*ioProc
	listeners  map[hal.ListenerID]hal.PropertyListener
	frames     float64
}

// Backend is a simulated hal.Backend. The zero value is not usable; call New.
type Backend struct {
	mu           sync.Mutex
	nextID       hal.ObjectID
	nextProc     hal.IOProcID
	nextListener hal.ListenerID
	objects      map[hal.ObjectID]*object
	failures     map[Op]error
	calls        []string
	orphans      []hal.ObjectID
	defaultInput hal.ObjectID
	outputFormat audiocore.StreamFormat
	closed       bool
}

var _ hal.Backend = (*Backend)(nil)

// New returns a backend with one 48 kHz mono float microphone and a 48 kHz
// stereo float system output.
func New() *Backend {
	b := &Backend{
		objects:  make(map[hal.ObjectID]*object),
		failures: make(map[Op]error),
		outputFormat: audiocore.StreamFormat{
			SampleRate: 48000, Channels: 2, BitDepth: 32, Interleaved: true, Kind: audiocore.FloatPCM,
		},
	}
	mic := b.newObjectLocked(kindInput, DefaultMicrophoneName, "builtin-mic")
	mic.format = audiocore.StreamFormat{
		SampleRate: 48000, Channels: 1, BitDepth: 32, Interleaved: true, Kind: audiocore.FloatPCM,
	}
	b.defaultInput = mic.id
	return b
}

func (b *Backend) newObjectLocked(k kind, name, uid string) *object {
	b.nextID++
	obj := &object{
		id:        b.nextID,
		kind:      k,
		name:      name,
		uid:       uid,
		procs:     make(map[hal.IOProcID]*ioProc),
		listeners: make(map[hal.ListenerID]hal.PropertyListener),
	}
	b.objects[obj.id] = obj
	return obj
}

// FailOn makes every following call of op return err until ClearFailure.
func (b *Backend) FailOn(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

// ClearFailure removes an injected failure.
func (b *Backend) ClearFailure(op Op) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, op)
}

// SetOutputFormat changes the format of taps created afterwards.
func (b *Backend) SetOutputFormat(f audiocore.StreamFormat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputFormat = f
}

// SetInputFormat changes the format an input device or tap reports.
func (b *Backend) SetInputFormat(id hal.ObjectID, f audiocore.StreamFormat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[id]; ok {
		obj.format = f
	}
}

// Calls returns the successful operations in order, formatted as "Op(id)".
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// Orphans returns taps that were still attached when their device was destroyed.
func (b *Backend) Orphans() []hal.ObjectID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.orphans)
}

// Exists reports whether id refers to a live object.
func (b *Backend) Exists(id hal.ObjectID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[id]
	return ok
}

// LiveObjects counts aggregate devices and taps that have not been destroyed.
func (b *Backend) LiveObjects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, obj := range b.objects {
		if obj.kind != kindInput {
			n++
		}
	}
	return n
}

// ListenerCount returns the number of property listeners on device.
func (b *Backend) ListenerCount(device hal.ObjectID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[device]; ok {
		return len(obj.listeners)
	}
	return 0
}

// ProcCount returns the number of I/O procedures registered on device.
func (b *Backend) ProcCount(device hal.ObjectID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[device]; ok {
		return len(obj.procs)
	}
	return 0
}

// Running reports whether any I/O procedure on device is started.
func (b *Backend) Running(device hal.ObjectID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[device]
	if !ok {
		return false
	}
	for _, p := range obj.procs {
		if p.running {
			return true
		}
	}
	return false
}

// Deliver runs one I/O cycle on device, calling every started procedure.
// It returns the joined errors reported by the procedures.
func (b *Backend) Deliver(device hal.ObjectID, in *hal.BufferList, frameCount int) error {
	b.mu.Lock()
	obj, ok := b.objects[device]
	if !ok {
		b.mu.Unlock()
		return notFound(device)
	}
	var procs []hal.IOProc
	for _, p := range obj.procs {
		if p.running {
			procs = append(procs, p.proc)
		}
	}
	ts := audiocore.Timestamp{SampleTime: obj.frames}
	if obj.format.SampleRate > 0 {
		ts.HostTime = obj.format.FrameDuration(int(obj.frames))
	}
	obj.frames += float64(frameCount)
	b.mu.Unlock()

	var errs []error
	for _, proc := range procs {
		if err := proc(in, frameCount, ts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeliverFloat runs one cycle with interleaved float32 samples.
func (b *Backend) DeliverFloat(device hal.ObjectID, samples []float32, channels int) error {
	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	in := &hal.BufferList{Buffers: []hal.Buffer{{Channels: channels, Data: data}}}
	return b.Deliver(device, in, len(samples)/channels)
}

// Notify invokes every property listener on device.
func (b *Backend) Notify(device hal.ObjectID, props ...hal.Property) {
	b.mu.Lock()
	obj, ok := b.objects[device]
	var listeners []hal.PropertyListener
	if ok {
		for _, l := range obj.listeners {
			listeners = append(listeners, l)
		}
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(device, props)
	}
}

func (b *Backend) Name() string { return "haltest" }

func (b *Backend) checkLocked(op Op) error {
	if b.closed {
		return errors.Newf("backend closed").Component("haltest").Category(errors.CategoryState).Build()
	}
	return b.failures[op]
}

func (b *Backend) recordLocked(op Op, id hal.ObjectID) {
	b.calls = append(b.calls, fmt.Sprintf("%s(%d)", op, id))
}

func notFound(id hal.ObjectID) error {
	return errors.Newf("object %d does not exist", id).
		Component("haltest").
		Category(errors.CategoryNotFound).
		Context("object_id", id).
		Build()
}

func (b *Backend) lookupLocked(id hal.ObjectID, kinds ...kind) (*object, error) {
	obj, ok := b.objects[id]
	if !ok || !slices.Contains(kinds, obj.kind) {
		return nil, notFound(id)
	}
	return obj, nil
}

func (b *Backend) CreateAggregateDevice(name, uid string) (hal.ObjectID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpCreateAggregateDevice); err != nil {
		return hal.UnknownObject, err
	}
	if name == "" {
		return hal.UnknownObject, errors.Newf("aggregate device needs a name").Component("haltest").Category(errors.CategoryValidation).Build()
	}
	for _, obj := range b.objects {
		if obj.kind == kindAggregate && obj.uid == uid {
			return hal.UnknownObject, errors.Newf("aggregate device uid %q in use", uid).Component("haltest").Category(errors.CategoryConflict).Build()
		}
	}
	obj := b.newObjectLocked(kindAggregate, name, uid)
	b.recordLocked(OpCreateAggregateDevice, obj.id)
	return obj.id, nil
}

func (b *Backend) DestroyAggregateDevice(device hal.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpDestroyAggregateDevice); err != nil {
		return err
	}
	obj, err := b.lookupLocked(device, kindAggregate)
	if err != nil {
		return err
	}
	// the OS does not detach; the taps keep pointing at a dead device
	b.orphans = append(b.orphans, obj.taps...)
	delete(b.objects, device)
	b.recordLocked(OpDestroyAggregateDevice, device)
	return nil
}

func (b *Backend) CreateTap(desc hal.TapDescription) (hal.ObjectID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpCreateTap); err != nil {
		return hal.UnknownObject, err
	}
	var format audiocore.StreamFormat
	switch desc.Target {
	case hal.TargetDefaultOutput:
		format = b.outputFormat
	case hal.TargetDefaultInput:
		format = b.objects[b.defaultInput].format
	default:
		return hal.UnknownObject, errors.Newf("unsupported tap target %s", desc.Target).Component("haltest").Category(errors.CategoryValidation).Build()
	}
	if desc.Mono {
		format.Channels = 1
	}
	obj := b.newObjectLocked(kindTap, desc.Name, desc.UID)
	obj.format = format
	b.recordLocked(OpCreateTap, obj.id)
	return obj.id, nil
}

func (b *Backend) DestroyTap(tap hal.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpDestroyTap); err != nil {
		return err
	}
	obj, err := b.lookupLocked(tap, kindTap)
	if err != nil {
		return err
	}
	if dev, ok := b.objects[obj.attachedTo]; ok {
		dev.taps = slices.DeleteFunc(dev.taps, func(id hal.ObjectID) bool { return id == tap })
	}
	delete(b.objects, tap)
	b.recordLocked(OpDestroyTap, tap)
	return nil
}

func (b *Backend) AttachTap(device, tap hal.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpAttachTap); err != nil {
		return err
	}
	dev, err := b.lookupLocked(device, kindAggregate)
	if err != nil {
		return err
	}
	t, err := b.lookupLocked(tap, kindTap)
	if err != nil {
		return err
	}
	if t.attachedTo != hal.UnknownObject {
		return errors.Newf("tap %d already attached to %d", tap, t.attachedTo).Component("haltest").Category(errors.CategoryConflict).Build()
	}
	t.attachedTo = device
	dev.taps = append(dev.taps, tap)
	b.recordLocked(OpAttachTap, tap)
	return nil
}

func (b *Backend) DetachTap(device, tap hal.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpDetachTap); err != nil {
		return err
	}
	dev, err := b.lookupLocked(device, kindAggregate)
	if err != nil {
		return err
	}
	t, err := b.lookupLocked(tap, kindTap)
	if err != nil {
		return err
	}
	if t.attachedTo != device {
		return errors.Newf("tap %d is not attached to %d", tap, device).Component("haltest").Category(errors.CategoryState).Build()
	}
	t.attachedTo = hal.UnknownObject
	dev.taps = slices.DeleteFunc(dev.taps, func(id hal.ObjectID) bool { return id == tap })
	b.recordLocked(OpDetachTap, tap)
	return nil
}

func (b *Backend) DeviceTaps(device hal.ObjectID) ([]hal.ObjectID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, err := b.lookupLocked(device, kindAggregate)
	if err != nil {
		return nil, err
	}
	return slices.Clone(dev.taps), nil
}

func (b *Backend) ObjectName(id hal.ObjectID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[id]
	if !ok {
		return "", notFound(id)
	}
	return obj.name, nil
}

func (b *Backend) DefaultInputDevice() (hal.ObjectID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpDefaultInputDevice); err != nil {
		return hal.UnknownObject, err
	}
	return b.defaultInput, nil
}

func (b *Backend) InputStreamFormats(device hal.ObjectID) ([]audiocore.StreamFormat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpInputStreamFormats); err != nil {
		return nil, err
	}
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return nil, err
	}
	if obj.kind == kindInput {
		return []audiocore.StreamFormat{obj.format}, nil
	}
	formats := make([]audiocore.StreamFormat, 0, len(obj.taps))
	for _, id := range obj.taps {
		formats = append(formats, b.objects[id].format)
	}
	return formats, nil
}

func (b *Backend) CreateIOProc(device hal.ObjectID, proc hal.IOProc) (hal.IOProcID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpCreateIOProc); err != nil {
		return 0, err
	}
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return 0, err
	}
	b.nextProc++
	obj.procs[b.nextProc] = &ioProc{proc: proc}
	b.recordLocked(OpCreateIOProc, device)
	return b.nextProc, nil
}

func (b *Backend) DestroyIOProc(device hal.ObjectID, id hal.IOProcID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpDestroyIOProc); err != nil {
		return err
	}
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return err
	}
	if _, ok := obj.procs[id]; !ok {
		return errors.Newf("io proc %d not registered on %d", id, device).Component("haltest").Category(errors.CategoryNotFound).Build()
	}
	delete(obj.procs, id)
	b.recordLocked(OpDestroyIOProc, device)
	return nil
}

func (b *Backend) setRunning(op Op, device hal.ObjectID, id hal.IOProcID, running bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(op); err != nil {
		return err
	}
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return err
	}
	p, ok := obj.procs[id]
	if !ok {
		return errors.Newf("io proc %d not registered on %d", id, device).Component("haltest").Category(errors.CategoryNotFound).Build()
	}
	p.running = running
	b.recordLocked(op, device)
	return nil
}

func (b *Backend) StartIO(device hal.ObjectID, id hal.IOProcID) error {
	return b.setRunning(OpStartIO, device, id, true)
}

func (b *Backend) StopIO(device hal.ObjectID, id hal.IOProcID) error {
	return b.setRunning(OpStopIO, device, id, false)
}

func (b *Backend) AddPropertyListener(device hal.ObjectID, listener hal.PropertyListener) (hal.ListenerID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpAddPropertyListener); err != nil {
		return 0, err
	}
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return 0, err
	}
	b.nextListener++
	obj.listeners[b.nextListener] = listener
	b.recordLocked(OpAddPropertyListener, device)
	return b.nextListener, nil
}

func (b *Backend) RemovePropertyListener(device hal.ObjectID, id hal.ListenerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(OpRemovePropertyListener); err != nil {
		return err
	}
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return err
	}
	if _, ok := obj.listeners[id]; !ok {
		return errors.Newf("listener %d not registered on %d", id, device).Component("haltest").Category(errors.CategoryNotFound).Build()
	}
	delete(obj.listeners, id)
	b.recordLocked(OpRemovePropertyListener, device)
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
