//go:build cgo && !noaudio

package malgo

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal"
	"github.com/tphakala/meetrec/internal/logger"
)

type kind int

const (
	kindInput kind = iota
	kindAggregate
	kindTap
)

type object struct {
	id         hal.ObjectID
	kind       kind
	name       string
	uid        string
	target     hal.TapTarget
	mono       bool
	// source is the capture endpoint a default-output tap opens instead of
	// loopback.
	source     *malgo.DeviceID
	taps       []hal.ObjectID
	attachedTo hal.ObjectID
	procs      map[hal.IOProcID]*stream
	listeners  map[hal.ListenerID]hal.PropertyListener
}

// stream is one registered IOProc and, while started, the miniaudio device
// feeding it.
type stream struct {
	owner   hal.ObjectID
	proc    hal.IOProc
	device  *malgo.Device
	buffers hal.BufferList
	frames  float64
	started time.Time
	// stopping is set before Stop so the stop callback is not reported as
	// the device going away.
	stopping bool
	mu       sync.Mutex
}

// Backend drives miniaudio devices through the hal object model.
type Backend struct {
	cfg Config
	log logger.Logger
	ctx *malgo.AllocatedContext

	mu           sync.Mutex
	nextID       hal.ObjectID
	nextProc     hal.IOProcID
	nextListener hal.ListenerID
	objects      map[hal.ObjectID]*object
	defaultInput hal.ObjectID
	closed       bool
}

var (
	_ hal.Backend            = (*Backend)(nil)
	_ hal.SystemAudioChecker = (*Backend)(nil)
)

func platformBackends() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendPulseaudio, malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}

func loopbackSupported() bool {
	return runtime.GOOS == "windows"
}

func buildError(err error, category errors.ErrorCategory, op string) error {
	return errors.New(err).
		Component(componentMalgo).
		Category(category).
		Context("operation", op).
		Build()
}

// New initializes a miniaudio context.
func New(cfg Config, log logger.Logger) (hal.Backend, error) {
	cfg = cfg.withDefaults()
	log = log.Module("malgo")

	ctx, err := malgo.InitContext(platformBackends(), malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", logger.String("message", message))
	})
	if err != nil {
		return nil, buildError(err, errors.CategoryAudio, "init_context")
	}

	b := &Backend{
		cfg:     cfg,
		log:     log,
		ctx:     ctx,
		objects: make(map[hal.ObjectID]*object),
	}
	mic := b.newObjectLocked(kindInput, "Default Input", "default-input")
	b.defaultInput = mic.id
	log.Info("audio backend initialized",
		logger.String("os", runtime.GOOS),
		logger.Int("sample_rate", int(cfg.SampleRate)),
		logger.Bool("loopback", loopbackSupported()))
	return b, nil
}

// ListDevices enumerates capture and playback endpoints.
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(platformBackends(), malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, buildError(err, errors.CategoryAudio, "init_context")
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	var out []DeviceInfo
	for _, typ := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		infos, err := ctx.Devices(typ)
		if err != nil {
			return nil, buildError(err, errors.CategoryAudio, "enumerate_devices")
		}
		for i := range infos {
			out = append(out, DeviceInfo{
				Name:      infos[i].Name(),
				ID:        infos[i].ID.String(),
				Playback:  typ == malgo.Playback,
				IsDefault: infos[i].IsDefault == 1,
			})
		}
	}
	return out, nil
}

func (b *Backend) Name() string { return "malgo" }

func (b *Backend) newObjectLocked(k kind, name, uid string) *object {
	b.nextID++
	obj := &object{
		id:        b.nextID,
		kind:      k,
		name:      name,
		uid:       uid,
		procs:     make(map[hal.IOProcID]*stream),
		listeners: make(map[hal.ListenerID]hal.PropertyListener),
	}
	b.objects[obj.id] = obj
	return obj
}

func notFound(id hal.ObjectID) error {
	return errors.Newf("object %d does not exist", id).
		Component(componentMalgo).
		Category(errors.CategoryNotFound).
		Context("object_id", id).
		Build()
}

func (b *Backend) lookupLocked(id hal.ObjectID, kinds ...kind) (*object, error) {
	if b.closed {
		return nil, buildError(fmt.Errorf("backend closed"), errors.CategoryState, "lookup")
	}
	obj, ok := b.objects[id]
	if !ok || !slices.Contains(kinds, obj.kind) {
		return nil, notFound(id)
	}
	return obj, nil
}

func (b *Backend) CreateAggregateDevice(name, uid string) (hal.ObjectID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return hal.UnknownObject, buildError(fmt.Errorf("backend closed"), errors.CategoryState, "create_aggregate")
	}
	for _, obj := range b.objects {
		if obj.kind == kindAggregate && obj.uid == uid {
			return hal.UnknownObject, buildError(fmt.Errorf("aggregate uid %q in use", uid), errors.CategoryConflict, "create_aggregate")
		}
	}
	return b.newObjectLocked(kindAggregate, name, uid).id, nil
}

func (b *Backend) DestroyAggregateDevice(device hal.ObjectID) error {
	b.mu.Lock()
	obj, err := b.lookupLocked(device, kindAggregate)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	streams := make([]*stream, 0, len(obj.procs))
	for _, s := range obj.procs {
		streams = append(streams, s)
	}
	for _, id := range obj.taps {
		if t, ok := b.objects[id]; ok {
			t.attachedTo = hal.UnknownObject
		}
	}
	delete(b.objects, device)
	b.mu.Unlock()

	for _, s := range streams {
		s.stop()
	}
	return nil
}

func (b *Backend) CreateTap(desc hal.TapDescription) (hal.ObjectID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return hal.UnknownObject, buildError(fmt.Errorf("backend closed"), errors.CategoryState, "create_tap")
	}
	switch desc.Target {
	case hal.TargetDefaultInput:
	case hal.TargetDefaultOutput:
	default:
		return hal.UnknownObject, buildError(fmt.Errorf("unsupported tap target %s", desc.Target), errors.CategoryValidation, "create_tap")
	}

	var source *malgo.DeviceID
	if desc.Target == hal.TargetDefaultOutput && b.needsSystemSource() {
		id, name, err := b.systemSourceLocked()
		if err != nil {
			return hal.UnknownObject, buildError(err, errors.CategoryTapCreation, "create_tap")
		}
		b.log.Info("capturing system output from endpoint", logger.String("endpoint", name))
		source = &id
	}

	obj := b.newObjectLocked(kindTap, desc.Name, desc.UID)
	obj.target = desc.Target
	obj.mono = desc.Mono
	obj.source = source
	return obj.id, nil
}

func (b *Backend) needsSystemSource() bool {
	return b.cfg.SystemDevice != "" || !loopbackSupported()
}

// systemSourceLocked finds the capture endpoint carrying system output.
func (b *Backend) systemSourceLocked() (malgo.DeviceID, string, error) {
	captures, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, "", err
	}
	playbacks, err := b.ctx.Devices(malgo.Playback)
	if err != nil {
		return malgo.DeviceID{}, "", err
	}
	i, err := selectSystemEndpoint(endpoints(captures), endpoints(playbacks), b.cfg.SystemDevice)
	if err != nil {
		return malgo.DeviceID{}, "", fmt.Errorf("system output capture on %s: %w", runtime.GOOS, err)
	}
	return captures[i].ID, captures[i].Name(), nil
}

func endpoints(infos []malgo.DeviceInfo) []endpoint {
	out := make([]endpoint, len(infos))
	for i := range infos {
		out[i] = endpoint{Name: infos[i].Name(), IsDefault: infos[i].IsDefault == 1}
	}
	return out
}

// SystemAudioSupport reports why the system output cannot be captured on
// this host, or nil when it can.
func (b *Backend) SystemAudioSupport() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return buildError(fmt.Errorf("backend closed"), errors.CategoryState, "system_audio")
	}
	if !b.needsSystemSource() {
		return nil
	}
	if _, _, err := b.systemSourceLocked(); err != nil {
		return buildError(err, errors.CategoryTapCreation, "system_audio")
	}
	return nil
}

func (b *Backend) DestroyTap(tap hal.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, err := b.lookupLocked(tap, kindTap)
	if err != nil {
		return err
	}
	if dev, ok := b.objects[obj.attachedTo]; ok {
		dev.taps = slices.DeleteFunc(dev.taps, func(id hal.ObjectID) bool { return id == tap })
	}
	delete(b.objects, tap)
	return nil
}

func (b *Backend) AttachTap(device, tap hal.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, err := b.lookupLocked(device, kindAggregate)
	if err != nil {
		return err
	}
	t, err := b.lookupLocked(tap, kindTap)
	if err != nil {
		return err
	}
	if t.attachedTo != hal.UnknownObject {
		return buildError(fmt.Errorf("tap %d already attached to %d", tap, t.attachedTo), errors.CategoryConflict, "attach_tap")
	}
	t.attachedTo = device
	dev.taps = append(dev.taps, tap)
	return nil
}

func (b *Backend) DetachTap(device, tap hal.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, err := b.lookupLocked(device, kindAggregate)
	if err != nil {
		return err
	}
	t, err := b.lookupLocked(tap, kindTap)
	if err != nil {
		return err
	}
	if t.attachedTo != device {
		return buildError(fmt.Errorf("tap %d is not attached to %d", tap, device), errors.CategoryState, "detach_tap")
	}
	t.attachedTo = hal.UnknownObject
	dev.taps = slices.DeleteFunc(dev.taps, func(id hal.ObjectID) bool { return id == tap })
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
	obj, err := b.lookupLocked(id, kindInput, kindAggregate, kindTap)
	if err != nil {
		return "", err
	}
	return obj.name, nil
}

func (b *Backend) DefaultInputDevice() (hal.ObjectID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return hal.UnknownObject, buildError(fmt.Errorf("backend closed"), errors.CategoryState, "default_input")
	}
	return b.defaultInput, nil
}

func (b *Backend) tapFormat(t *object) audiocore.StreamFormat {
	channels := b.cfg.OutputChannels
	if t.target == hal.TargetDefaultInput {
		channels = b.cfg.InputChannels
	}
	if t.mono {
		channels = 1
	}
	return b.cfg.streamFormat(channels)
}

func (b *Backend) InputStreamFormats(device hal.ObjectID) ([]audiocore.StreamFormat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return nil, err
	}
	if obj.kind == kindInput {
		return []audiocore.StreamFormat{b.cfg.streamFormat(b.cfg.InputChannels)}, nil
	}
	formats := make([]audiocore.StreamFormat, 0, len(obj.taps))
	for _, id := range obj.taps {
		formats = append(formats, b.tapFormat(b.objects[id]))
	}
	return formats, nil
}

func (b *Backend) CreateIOProc(device hal.ObjectID, proc hal.IOProc) (hal.IOProcID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return 0, err
	}
	b.nextProc++
	s := &stream{owner: device, proc: proc}
	s.buffers.Buffers = make([]hal.Buffer, 1)
	obj.procs[b.nextProc] = s
	return b.nextProc, nil
}

func (b *Backend) DestroyIOProc(device hal.ObjectID, id hal.IOProcID) error {
	b.mu.Lock()
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	s, ok := obj.procs[id]
	if !ok {
		b.mu.Unlock()
		return buildError(fmt.Errorf("io proc %d not registered on %d", id, device), errors.CategoryNotFound, "destroy_io_proc")
	}
	delete(obj.procs, id)
	b.mu.Unlock()

	s.stop()
	return nil
}

// deviceConfig picks the miniaudio endpoint for an input device or the
// single streaming tap of an aggregate.
func (b *Backend) deviceConfigLocked(obj *object) (malgo.DeviceConfig, uint32, error) {
	devType := malgo.Capture
	channels := b.cfg.InputChannels
	if obj.kind == kindAggregate {
		switch len(obj.taps) {
		case 0:
			return malgo.DeviceConfig{}, 0, buildError(fmt.Errorf("aggregate %d has no taps", obj.id), errors.CategoryState, "start_io")
		case 1:
		default:
			return malgo.DeviceConfig{}, 0, buildError(
				fmt.Errorf("aggregate %d has %d taps, miniaudio streams one tap per device", obj.id, len(obj.taps)),
				errors.CategoryAudio, "start_io")
		}
		tap := b.objects[obj.taps[0]]
		channels = uint32(b.tapFormat(tap).Channels)
		if tap.target == hal.TargetDefaultOutput && tap.source == nil {
			devType = malgo.Loopback
		}
	}

	cfg := malgo.DefaultDeviceConfig(devType)
	if obj.kind == kindAggregate {
		if src := b.objects[obj.taps[0]].source; src != nil {
			cfg.Capture.DeviceID = src.Pointer()
		}
	}
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = channels
	cfg.SampleRate = b.cfg.SampleRate
	cfg.PeriodSizeInMilliseconds = b.cfg.PeriodSizeInMilliseconds
	cfg.Alsa.NoMMap = 1
	return cfg, channels, nil
}

func (b *Backend) StartIO(device hal.ObjectID, id hal.IOProcID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return err
	}
	s, ok := obj.procs[id]
	if !ok {
		return buildError(fmt.Errorf("io proc %d not registered on %d", id, device), errors.CategoryNotFound, "start_io")
	}
	s.mu.Lock()
	running := s.device != nil
	s.mu.Unlock()
	if running {
		return nil
	}

	cfg, channels, err := b.deviceConfigLocked(obj)
	if err != nil {
		return err
	}
	callbacks := malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: func() { b.onDeviceStop(s) },
	}
	dev, err := malgo.InitDevice(b.ctx.Context, cfg, callbacks)
	if err != nil {
		return buildError(err, errors.CategoryAudio, "init_device")
	}
	if dev.CaptureFormat() != malgo.FormatF32 || dev.CaptureChannels() != channels || dev.SampleRate() != b.cfg.SampleRate {
		dev.Uninit()
		return buildError(fmt.Errorf("device opened as %v/%d ch/%d Hz", dev.CaptureFormat(), dev.CaptureChannels(), dev.SampleRate()),
			errors.CategoryFormatMismatch, "init_device")
	}

	s.mu.Lock()
	s.device = dev
	s.stopping = false
	s.frames = 0
	s.started = time.Now()
	s.buffers.Buffers[0].Channels = int(channels)
	s.mu.Unlock()

	if err := dev.Start(); err != nil {
		s.mu.Lock()
		s.device = nil
		s.mu.Unlock()
		dev.Uninit()
		return buildError(err, errors.CategoryAudio, "start_device")
	}
	b.log.Debug("io started",
		logger.Int("device_id", int(device)),
		logger.Int("channels", int(channels)))
	return nil
}

func (b *Backend) StopIO(device hal.ObjectID, id hal.IOProcID) error {
	b.mu.Lock()
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	s, ok := obj.procs[id]
	b.mu.Unlock()
	if !ok {
		return buildError(fmt.Errorf("io proc %d not registered on %d", id, device), errors.CategoryNotFound, "stop_io")
	}
	s.stop()
	return nil
}

// stop halts and frees the miniaudio device. miniaudio waits for the data
// callback to return, so no cycle runs after stop returns.
func (s *stream) stop() {
	s.mu.Lock()
	dev := s.device
	s.device = nil
	s.stopping = true
	s.mu.Unlock()
	if dev == nil {
		return
	}
	_ = dev.Stop()
	dev.Uninit()
}

// onData runs on miniaudio's audio thread. The stream's buffer list is
// reused every cycle.
func (s *stream) onData(_, input []byte, frameCount uint32) {
	buf := &s.buffers.Buffers[0]
	buf.Data = input
	ts := audiocore.Timestamp{SampleTime: s.frames, HostTime: time.Since(s.started)}
	s.frames += float64(frameCount)
	_ = s.proc(&s.buffers, int(frameCount), ts)
}

func (b *Backend) onDeviceStop(s *stream) {
	s.mu.Lock()
	expected := s.stopping
	s.mu.Unlock()
	if expected {
		return
	}
	// not on the audio thread; listeners may block
	go b.notify(s.owner, hal.PropertyDeviceIsAlive)
}

func (b *Backend) notify(device hal.ObjectID, props ...hal.Property) {
	b.mu.Lock()
	obj, ok := b.objects[device]
	var listeners []hal.PropertyListener
	if ok {
		for _, l := range obj.listeners {
			listeners = append(listeners, l)
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	b.log.Warn("device stopped unexpectedly", logger.Int("device_id", int(device)))
	for _, l := range listeners {
		l(device, props)
	}
}

func (b *Backend) AddPropertyListener(device hal.ObjectID, listener hal.PropertyListener) (hal.ListenerID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return 0, err
	}
	b.nextListener++
	obj.listeners[b.nextListener] = listener
	return b.nextListener, nil
}

func (b *Backend) RemovePropertyListener(device hal.ObjectID, id hal.ListenerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, err := b.lookupLocked(device, kindInput, kindAggregate)
	if err != nil {
		return err
	}
	if _, ok := obj.listeners[id]; !ok {
		return buildError(fmt.Errorf("listener %d not registered on %d", id, device), errors.CategoryNotFound, "remove_listener")
	}
	delete(obj.listeners, id)
	return nil
}

// Close stops every stream and releases the miniaudio context.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var streams []*stream
	for _, obj := range b.objects {
		for _, s := range obj.procs {
			streams = append(streams, s)
		}
	}
	b.mu.Unlock()

	for _, s := range streams {
		s.stop()
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	if err != nil {
		return buildError(err, errors.CategoryAudio, "uninit_context")
	}
	return nil
}
