package input

import (
	"log/slog"
	"sort"
	"sync"
)

// Device is one attached gamepad as reported by the enumerator.
type Device struct {
	ID   string
	Name string
}

// DeviceEnumerator lists attached gamepads. Rescan forces it to look at
// the hardware again instead of returning a cached list.
type DeviceEnumerator interface {
	Rescan() error
	Devices() []Device
}

// Manager owns one Gamepad per attached device and routes raw device
// events to it.
//
// Manager is safe for concurrent use.
type Manager struct {
	enum     DeviceEnumerator
	mappings MappingTable
	sink     ControllerSink
	log      *slog.Logger

	mu   sync.Mutex
	pads map[string]*Gamepad
}

func NewManager(enum DeviceEnumerator, mappings MappingTable, sink ControllerSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		enum:     enum,
		mappings: mappings,
		sink:     sink,
		log:      logger.With("component", "gamepads"),
		pads:     make(map[string]*Gamepad),
	}
}

// Rescan asks the enumerator for a fresh device list. Devices that are
// still attached keep their state; new ones start neutral.
func (m *Manager) Rescan() error {
	if err := m.enum.Rescan(); err != nil {
		return err
	}
	devices := m.enum.Devices()

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.ID] = true
		if _, ok := m.pads[d.ID]; !ok {
			m.log.Info("gamepad attached", "id", d.ID, "name", d.Name)
			m.pads[d.ID] = NewGamepad(m.mappings, m.sink)
		}
	}
	for id := range m.pads {
		if !seen[id] {
			m.log.Info("gamepad detached", "id", id)
			delete(m.pads, id)
		}
	}
	return nil
}

// Devices returns the ids of the managed gamepads, sorted.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pads))
	for id := range m.pads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) pad(id string) *Gamepad {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pads[id]
}

// HandleButton routes a button event. Events from unknown devices or
// unmapped buttons are ignored.
func (m *Manager) HandleButton(device string, button int, pressed bool) {
	g := m.pad(device)
	if g == nil {
		m.log.Debug("event from unknown device", "id", device)
		return
	}
	if !g.HandleButton(button, pressed) {
		m.log.Debug("unmapped button", "id", device, "button", button)
	}
}

// HandleAxis routes an axis event with a raw value in [-1, 1].
func (m *Manager) HandleAxis(device string, axis int, value float64) {
	g := m.pad(device)
	if g == nil {
		m.log.Debug("event from unknown device", "id", device)
		return
	}
	if !g.HandleAxis(axis, value) {
		m.log.Debug("unmapped axis", "id", device, "axis", axis)
	}
}
