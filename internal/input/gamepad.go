package input

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/chronologos/gstream/internal/config"
	"github.com/chronologos/gstream/internal/protocol"
)

// Component is a logical gamepad control the host understands.
type Component int

const (
	ComponentA Component = iota
	ComponentB
	ComponentX
	ComponentY
	ComponentDpadUp
	ComponentDpadDown
	ComponentDpadLeft
	ComponentDpadRight
	ComponentLeftStickX
	ComponentLeftStickY
	ComponentRightStickX
	ComponentRightStickY
	ComponentLeftThumb
	ComponentRightThumb
	ComponentLeftTrigger
	ComponentRightTrigger
	ComponentLeftBumper
	ComponentRightBumper
	ComponentStart
	ComponentBack
	ComponentSpecial
)

var componentNames = [...]string{
	ComponentA:            "a",
	ComponentB:            "b",
	ComponentX:            "x",
	ComponentY:            "y",
	ComponentDpadUp:       "dpad_up",
	ComponentDpadDown:     "dpad_down",
	ComponentDpadLeft:     "dpad_left",
	ComponentDpadRight:    "dpad_right",
	ComponentLeftStickX:   "ls_x",
	ComponentLeftStickY:   "ls_y",
	ComponentRightStickX:  "rs_x",
	ComponentRightStickY:  "rs_y",
	ComponentLeftThumb:    "ls_thumb",
	ComponentRightThumb:   "rs_thumb",
	ComponentLeftTrigger:  "lt",
	ComponentRightTrigger: "rt",
	ComponentLeftBumper:   "lb",
	ComponentRightBumper:  "rb",
	ComponentStart:        "start",
	ComponentBack:         "back",
	ComponentSpecial:      "special",
}

func (c Component) String() string {
	if c >= 0 && int(c) < len(componentNames) {
		return componentNames[c]
	}
	return fmt.Sprintf("component(%d)", int(c))
}

// ParseComponent accepts the names used in the gamepad.mappings config.
func ParseComponent(s string) (Component, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range componentNames {
		if name == s {
			return Component(i), nil
		}
	}
	return 0, fmt.Errorf("unknown gamepad component %q", s)
}

// Analog reports whether the component carries a continuous value.
func (c Component) Analog() bool {
	switch c {
	case ComponentLeftStickX, ComponentLeftStickY, ComponentRightStickX, ComponentRightStickY,
		ComponentLeftTrigger, ComponentRightTrigger:
		return true
	}
	return false
}

var buttonFlags = map[Component]uint16{
	ComponentA:           protocol.ButtonA,
	ComponentB:           protocol.ButtonB,
	ComponentX:           protocol.ButtonX,
	ComponentY:           protocol.ButtonY,
	ComponentDpadUp:      protocol.ButtonUp,
	ComponentDpadDown:    protocol.ButtonDown,
	ComponentDpadLeft:    protocol.ButtonLeft,
	ComponentDpadRight:   protocol.ButtonRight,
	ComponentLeftThumb:   protocol.ButtonLSClick,
	ComponentRightThumb:  protocol.ButtonRSClick,
	ComponentLeftBumper:  protocol.ButtonLB,
	ComponentRightBumper: protocol.ButtonRB,
	ComponentStart:       protocol.ButtonPlay,
	ComponentBack:        protocol.ButtonBack,
	ComponentSpecial:     protocol.ButtonSpecial,
}

// SourceKind distinguishes a device's axes from its buttons.
type SourceKind int

const (
	SourceAxis SourceKind = iota
	SourceButton
)

// SourceComponent identifies one physical control on a device.
type SourceComponent struct {
	Kind SourceKind
	ID   int
}

// Mapping resolves a physical control to a logical component.
type Mapping struct {
	Component Component
	Invert    bool
	Trigger   bool
}

// Sanitize applies the mapping to a raw axis value in [-1, 1]: negate if
// inverted, then rescale to [0, 1] if the axis is a trigger.
func (m Mapping) Sanitize(v float64) float64 {
	if m.Invert {
		v = -v
	}
	if m.Trigger {
		v = (v + 1) / 2
	}
	return v
}

// sanitizeButton turns a button press into an analog value.
func (m Mapping) sanitizeButton(pressed bool) float64 {
	if pressed != m.Invert {
		return 1
	}
	return 0
}

// MappingTable is the read-only translation table for every device.
type MappingTable map[SourceComponent]Mapping

// DefaultMappings is an Xbox-style layout as reported by common drivers.
func DefaultMappings() MappingTable {
	return MappingTable{
		{SourceButton, 0}:  {Component: ComponentA},
		{SourceButton, 1}:  {Component: ComponentB},
		{SourceButton, 2}:  {Component: ComponentX},
		{SourceButton, 3}:  {Component: ComponentY},
		{SourceButton, 4}:  {Component: ComponentLeftBumper},
		{SourceButton, 5}:  {Component: ComponentRightBumper},
		{SourceButton, 6}:  {Component: ComponentBack},
		{SourceButton, 7}:  {Component: ComponentStart},
		{SourceButton, 8}:  {Component: ComponentSpecial},
		{SourceButton, 9}:  {Component: ComponentLeftThumb},
		{SourceButton, 10}: {Component: ComponentRightThumb},
		{SourceButton, 11}: {Component: ComponentDpadUp},
		{SourceButton, 12}: {Component: ComponentDpadDown},
		{SourceButton, 13}: {Component: ComponentDpadLeft},
		{SourceButton, 14}: {Component: ComponentDpadRight},
		{SourceAxis, 0}:    {Component: ComponentLeftStickX},
		{SourceAxis, 1}:    {Component: ComponentLeftStickY, Invert: true},
		{SourceAxis, 2}:    {Component: ComponentLeftTrigger, Trigger: true},
		{SourceAxis, 3}:    {Component: ComponentRightStickX},
		{SourceAxis, 4}:    {Component: ComponentRightStickY, Invert: true},
		{SourceAxis, 5}:    {Component: ComponentRightTrigger, Trigger: true},
	}
}

// MappingsFromConfig builds the table from persisted settings. No entries
// means DefaultMappings.
func MappingsFromConfig(entries []config.GamepadMapping) (MappingTable, error) {
	if len(entries) == 0 {
		return DefaultMappings(), nil
	}
	table := make(MappingTable, len(entries))
	for i, e := range entries {
		var kind SourceKind
		switch e.Source {
		case "axis":
			kind = SourceAxis
		case "button":
			kind = SourceButton
		default:
			return nil, fmt.Errorf("mapping %d: bad source %q", i, e.Source)
		}
		comp, err := ParseComponent(e.Component)
		if err != nil {
			return nil, fmt.Errorf("mapping %d: %w", i, err)
		}
		table[SourceComponent{kind, e.ID}] = Mapping{Component: comp, Invert: e.Invert, Trigger: e.Trigger}
	}
	return table, nil
}

// ControllerSink receives full controller states. *Sender satisfies it.
type ControllerSink interface {
	SendController(c protocol.Controller)
}

// Gamepad tracks one device's state. Every change retransmits the whole
// state, since the wire format has no partial update.
//
// Gamepad is safe for concurrent use.
type Gamepad struct {
	mappings MappingTable
	sink     ControllerSink

	mu    sync.Mutex
	state protocol.Controller
}

func NewGamepad(mappings MappingTable, sink ControllerSink) *Gamepad {
	if mappings == nil {
		mappings = DefaultMappings()
	}
	return &Gamepad{mappings: mappings, sink: sink}
}

// HandleButton applies a button event. It returns false for unmapped buttons.
func (g *Gamepad) HandleButton(id int, pressed bool) bool {
	m, ok := g.mappings[SourceComponent{SourceButton, id}]
	if !ok {
		return false
	}
	if m.Component.Analog() {
		return g.apply(func(s *protocol.Controller) bool {
			return setAnalog(s, m.Component, m.sanitizeButton(pressed))
		})
	}
	return g.apply(func(s *protocol.Controller) bool {
		return toggle(s, m.Component, pressed)
	})
}

// HandleAxis applies an axis event with a raw value in [-1, 1]. It returns
// false for unmapped axes.
func (g *Gamepad) HandleAxis(id int, value float64) bool {
	m, ok := g.mappings[SourceComponent{SourceAxis, id}]
	if !ok {
		return false
	}
	v := m.Sanitize(value)
	if m.Component.Analog() {
		return g.apply(func(s *protocol.Controller) bool {
			return setAnalog(s, m.Component, v)
		})
	}
	return g.apply(func(s *protocol.Controller) bool {
		return toggle(s, m.Component, v > 0.5)
	})
}

// State returns the current controller state.
func (g *Gamepad) State() protocol.Controller {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gamepad) apply(update func(*protocol.Controller) bool) bool {
	g.mu.Lock()
	if !update(&g.state) {
		g.mu.Unlock()
		return false
	}
	snapshot := g.state
	g.mu.Unlock()

	if g.sink != nil {
		g.sink.SendController(snapshot)
	}
	return true
}

func toggle(s *protocol.Controller, c Component, pressed bool) bool {
	flag, ok := buttonFlags[c]
	if !ok {
		return false
	}
	if pressed {
		s.Buttons |= flag
	} else {
		s.Buttons &^= flag
	}
	return true
}

func setAnalog(s *protocol.Controller, c Component, v float64) bool {
	switch c {
	case ComponentLeftStickX:
		s.LeftStickX = quantizeStick(v)
	case ComponentLeftStickY:
		s.LeftStickY = quantizeStick(v)
	case ComponentRightStickX:
		s.RightStickX = quantizeStick(v)
	case ComponentRightStickY:
		s.RightStickY = quantizeStick(v)
	case ComponentLeftTrigger:
		s.LeftTrigger = quantizeTrigger(v)
	case ComponentRightTrigger:
		s.RightTrigger = quantizeTrigger(v)
	default:
		return false
	}
	return true
}

func quantizeStick(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	q := math.Round(v * 0x7FFF)
	return int16(max(-0x7FFF, min(0x7FFF, q)))
}

func quantizeTrigger(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	q := math.Round(v * 0xFF)
	return uint8(max(0, min(0xFF, q)))
}
