// Package aggregate manages virtual aggregate capture devices and the taps
// attached to them.
//
// Handles are pointers with explicit lifecycle calls. Copying a *Tap does
// not share ownership: the tap is freed exactly once, by ReleaseTap or by
// the teardown of the device that owns it.
package aggregate

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal"
	"github.com/tphakala/meetrec/internal/logger"
)

const componentAggregate = "aggregate"

// uidPrefix namespaces the UIDs of objects created by this package.
const uidPrefix = "com.tphakala.meetrec"

// Tap mirrors one endpoint into an aggregate device.
type Tap struct {
	id       hal.ObjectID
	name     string
	uid      string
	target   hal.TapTarget
	device   *AggregateDevice // guarded by Manager.mu
	released atomic.Bool
}

func (t *Tap) ID() hal.ObjectID      { return t.id }
func (t *Tap) Name() string          { return t.name }
func (t *Tap) UID() string           { return t.uid }
func (t *Tap) Target() hal.TapTarget { return t.target }
func (t *Tap) Released() bool        { return t.released.Load() }

// AggregateDevice is a virtual device combining zero or more taps.
type AggregateDevice struct {
	id        hal.ObjectID
	name      string
	uid       string
	taps      []*Tap // owned taps, guarded by Manager.mu
	destroyed atomic.Bool
}

func (d *AggregateDevice) ID() hal.ObjectID { return d.id }
func (d *AggregateDevice) Name() string     { return d.name }
func (d *AggregateDevice) UID() string      { return d.uid }
func (d *AggregateDevice) Destroyed() bool  { return d.destroyed.Load() }

// TapInfo is a tap as reported by the backend.
type TapInfo struct {
	ID   hal.ObjectID
	Name string
}

// Manager creates and destroys aggregate devices and taps on a backend.
type Manager struct {
	backend hal.Backend
	log     logger.Logger
	tracker *ResourceTracker

	mu      sync.Mutex
	devices []*AggregateDevice
	taps    []*Tap
}

// NewManager creates a manager on backend.
func NewManager(backend hal.Backend, log logger.Logger) *Manager {
	return &Manager{
		backend: backend,
		log:     log.Module(componentAggregate),
		tracker: NewResourceTracker(),
	}
}

// Tracker exposes the resource tracker for leak checks.
func (m *Manager) Tracker() *ResourceTracker {
	return m.tracker
}

func deviceCreationError(err error, name string) error {
	return errors.New(err).
		Component(componentAggregate).
		Category(errors.CategoryDeviceCreation).
		Context("device_name", name).
		Build()
}

func tapCreationError(err error, name string) error {
	return errors.New(err).
		Component(componentAggregate).
		Category(errors.CategoryTapCreation).
		Context("tap_name", name).
		Build()
}

// CreateAggregateDevice creates an empty aggregate device.
func (m *Manager) CreateAggregateDevice(name string) (*AggregateDevice, error) {
	if name == "" {
		return nil, deviceCreationError(fmt.Errorf("aggregate device name is empty"), name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if slices.ContainsFunc(m.devices, func(d *AggregateDevice) bool { return d.name == name }) {
		return nil, deviceCreationError(fmt.Errorf("aggregate device %q already exists", name), name)
	}

	uid := fmt.Sprintf("%s.aggregate.%s", uidPrefix, uuid.NewString())
	id, err := m.backend.CreateAggregateDevice(name, uid)
	if err != nil {
		m.log.Error("failed to create aggregate device",
			logger.String("name", name),
			logger.Error(err))
		return nil, deviceCreationError(fmt.Errorf("create aggregate device %q: %w", name, err), name)
	}

	dev := &AggregateDevice{id: id, name: name, uid: uid}
	m.devices = append(m.devices, dev)
	m.tracker.Track(id, "aggregate-device", name)

	m.log.Info("aggregate device created",
		logger.String("name", name),
		logger.Int("device_id", int(id)))
	return dev, nil
}

// CreateTap creates a tap on the default system output.
func (m *Manager) CreateTap(name string) (*Tap, error) {
	return m.CreateTapFor(name, hal.TargetDefaultOutput)
}

// CreateTapFor creates a tap on target. The tap is not attached to any device.
func (m *Manager) CreateTapFor(name string, target hal.TapTarget) (*Tap, error) {
	if name == "" {
		return nil, tapCreationError(fmt.Errorf("tap name is empty"), name)
	}

	uid := fmt.Sprintf("%s.tap.%s", uidPrefix, uuid.NewString())
	id, err := m.backend.CreateTap(hal.TapDescription{Name: name, UID: uid, Target: target})
	if err != nil {
		m.log.Error("failed to create tap",
			logger.String("name", name),
			logger.String("target", target.String()),
			logger.Error(err))
		return nil, tapCreationError(fmt.Errorf("create tap %q: %w", name, err), name)
	}

	tap := &Tap{id: id, name: name, uid: uid, target: target}

	m.mu.Lock()
	m.taps = append(m.taps, tap)
	m.mu.Unlock()
	m.tracker.Track(id, "tap", name)

	m.log.Info("tap created",
		logger.String("name", name),
		logger.String("target", target.String()),
		logger.Int("tap_id", int(id)))
	return tap, nil
}

// AddTap attaches tap to device. It returns false without error when the
// tap is already attached to device.
func (m *Manager) AddTap(tap *Tap, device *AggregateDevice) (bool, error) {
	if tap == nil || device == nil {
		return false, errors.Newf("tap and device are required").
			Component(componentAggregate).
			Category(errors.CategoryValidation).
			Build()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case tap.Released():
		return false, stateError("tap %q has been released", tap.name)
	case device.Destroyed():
		return false, stateError("aggregate device %q has been destroyed", device.name)
	case tap.device == device:
		return false, nil
	case tap.device != nil:
		return false, errors.Newf("tap %q is attached to %q", tap.name, tap.device.name).
			Component(componentAggregate).
			Category(errors.CategoryConflict).
			Build()
	}

	if err := m.backend.AttachTap(device.id, tap.id); err != nil {
		m.log.Error("failed to attach tap",
			logger.String("tap", tap.name),
			logger.String("device", device.name),
			logger.Error(err))
		return false, errors.New(fmt.Errorf("attach tap %q to %q: %w", tap.name, device.name, err)).
			Component(componentAggregate).
			Category(errors.CategoryTapCreation).
			Build()
	}

	tap.device = device
	device.taps = append(device.taps, tap)
	m.log.Debug("tap attached",
		logger.String("tap", tap.name),
		logger.String("device", device.name))
	return true, nil
}

func stateError(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component(componentAggregate).
		Category(errors.CategoryState).
		Build()
}

// RemoveTap detaches tap from device without freeing it. It returns false
// when the tap is not attached to device.
func (m *Manager) RemoveTap(tap *Tap, device *AggregateDevice) bool {
	if tap == nil || device == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if tap.device != device {
		return false
	}
	if err := m.backend.DetachTap(device.id, tap.id); err != nil {
		m.log.Warn("failed to detach tap",
			logger.String("tap", tap.name),
			logger.String("device", device.name),
			logger.Error(err))
		return false
	}
	m.unlinkLocked(tap)
	return true
}

func (m *Manager) unlinkLocked(tap *Tap) {
	if dev := tap.device; dev != nil {
		dev.taps = slices.DeleteFunc(dev.taps, func(t *Tap) bool { return t == tap })
	}
	tap.device = nil
}

// ReleaseTap detaches tap from its device, if any, and frees it. It returns
// false for an already released handle or when the backend refuses to free it.
func (m *Manager) ReleaseTap(tap *Tap) bool {
	if tap == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseTapLocked(tap)
}

func (m *Manager) releaseTapLocked(tap *Tap) bool {
	if tap.Released() {
		return false
	}

	if dev := tap.device; dev != nil {
		if err := m.backend.DetachTap(dev.id, tap.id); err != nil {
			// destroying the tap below removes it from the device anyway
			m.log.Warn("failed to detach tap before release",
				logger.String("tap", tap.name),
				logger.String("device", dev.name),
				logger.Error(err))
		}
	}

	if err := m.backend.DestroyTap(tap.id); err != nil {
		m.log.Error("failed to release tap",
			logger.String("tap", tap.name),
			logger.Int("tap_id", int(tap.id)),
			logger.Error(err))
		return false
	}

	m.unlinkLocked(tap)
	tap.released.Store(true)
	m.taps = slices.DeleteFunc(m.taps, func(t *Tap) bool { return t == tap })
	m.tracker.Release(tap.id)

	m.log.Info("tap released",
		logger.String("tap", tap.name),
		logger.Int("tap_id", int(tap.id)))
	return true
}

// ListTaps asks the backend which taps are attached to device right now.
func (m *Manager) ListTaps(device *AggregateDevice) ([]TapInfo, error) {
	if device == nil || device.Destroyed() {
		return nil, errors.New(fmt.Errorf("aggregate device is not available")).
			Component(componentAggregate).
			Category(errors.CategoryNotFound).
			Build()
	}

	ids, err := m.backend.DeviceTaps(device.id)
	if err != nil {
		return nil, errors.New(fmt.Errorf("list taps of %q: %w", device.name, err)).
			Component(componentAggregate).
			Category(errors.CategoryNotFound).
			Build()
	}

	infos := make([]TapInfo, 0, len(ids))
	for _, id := range ids {
		name, err := m.backend.ObjectName(id)
		if err != nil {
			m.log.Warn("tap without a name",
				logger.Int("tap_id", int(id)),
				logger.Error(err))
		}
		infos = append(infos, TapInfo{ID: id, Name: name})
	}
	return infos, nil
}

// Taps returns the taps the manager believes are attached to device.
func (m *Manager) Taps(device *AggregateDevice) []*Tap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(device.taps)
}

// DestroyAggregateDevice releases every tap the device owns, then the
// device. If any tap cannot be released the device is left alive and a
// resource leak error is returned, so no tap ever references a destroyed
// device.
func (m *Manager) DestroyAggregateDevice(device *AggregateDevice) error {
	if device == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyLocked(device)
}

func (m *Manager) destroyLocked(device *AggregateDevice) error {
	if device.Destroyed() {
		return nil
	}

	var stuck []string
	for _, tap := range slices.Clone(device.taps) {
		if !m.releaseTapLocked(tap) {
			stuck = append(stuck, tap.name)
		}
	}
	if len(stuck) > 0 {
		m.log.Critical("aggregate device still owns taps, not destroying it",
			logger.String("device", device.name),
			logger.Any("taps", stuck))
		return errors.Newf("aggregate device %q still owns taps %v", device.name, stuck).
			Component(componentAggregate).
			Category(errors.CategoryResourceLeak).
			Context("device_name", device.name).
			Build()
	}

	if err := m.backend.DestroyAggregateDevice(device.id); err != nil {
		m.log.Critical("failed to destroy aggregate device",
			logger.String("device", device.name),
			logger.Error(err))
		return errors.New(fmt.Errorf("destroy aggregate device %q: %w", device.name, err)).
			Component(componentAggregate).
			Category(errors.CategoryResourceLeak).
			Context("device_name", device.name).
			Build()
	}

	device.destroyed.Store(true)
	m.devices = slices.DeleteFunc(m.devices, func(d *AggregateDevice) bool { return d == device })
	m.tracker.Release(device.id)

	m.log.Info("aggregate device destroyed",
		logger.String("name", device.name),
		logger.Int("device_id", int(device.id)))
	return nil
}

// Close destroys every device and releases every remaining tap. It keeps
// going after failures and reports all of them.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, dev := range slices.Clone(m.devices) {
		if err := m.destroyLocked(dev); err != nil {
			errs = append(errs, err)
		}
	}
	for _, tap := range slices.Clone(m.taps) {
		if !m.releaseTapLocked(tap) {
			errs = append(errs, errors.Newf("tap %q could not be released", tap.name).
				Component(componentAggregate).
				Category(errors.CategoryResourceLeak).
				Build())
		}
	}

	if leaked := m.tracker.Outstanding(); len(leaked) > 0 {
		for _, r := range leaked {
			m.log.Critical("backend object leaked",
				logger.String("kind", r.Kind),
				logger.String("name", r.Name),
				logger.Int("object_id", int(r.ID)))
		}
	}
	return errors.Join(errs...)
}
