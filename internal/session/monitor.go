package session

import (
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultMonitorBuffer is the channel depth Subscribe uses for buffer <= 0.
const DefaultMonitorBuffer = 16

// MonitorFrame is one mixed chunk. Samples is shared by all subscribers and
// must not be modified.
type MonitorFrame struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// monitor fans the mixed stream out to network consumers. A subscriber
// that falls behind loses frames; the consumer never waits on it.
type monitor struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]chan MonitorFrame
	dropped atomic.Uint64
}

func newMonitor() *monitor {
	return &monitor{subs: make(map[uint64]chan MonitorFrame)}
}

func (m *monitor) subscribe(buffer int) (<-chan MonitorFrame, func()) {
	if buffer <= 0 {
		buffer = DefaultMonitorBuffer
	}
	ch := make(chan MonitorFrame, buffer)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

func (m *monitor) publish(samples []float32, sampleRate, channels int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) == 0 {
		return
	}
	frame := MonitorFrame{Samples: slices.Clone(samples), SampleRate: sampleRate, Channels: channels}
	for _, ch := range m.subs {
		select {
		case ch <- frame:
		default:
			m.dropped.Add(1)
		}
	}
}

func (m *monitor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// closeAll ends every subscription.
func (m *monitor) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
