package input

import (
	"sync"
	"testing"

	"github.com/chronologos/gstream/internal/config"
	"github.com/chronologos/gstream/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	states []protocol.Controller
}

func (r *recordingSink) SendController(c protocol.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, c)
}

func (r *recordingSink) last(t *testing.T) protocol.Controller {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		t.Fatal("nothing sent")
	}
	return r.states[len(r.states)-1]
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func TestSanitizeInvertTrigger(t *testing.T) {
	m := Mapping{Component: ComponentLeftTrigger, Invert: true, Trigger: true}
	if got := m.Sanitize(-1.0); got != 1.0 {
		t.Fatalf("expected 1.0, got %v", got)
	}
	if got := m.Sanitize(1.0); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		m    Mapping
		in   float64
		want float64
	}{
		{Mapping{}, 0.25, 0.25},
		{Mapping{Invert: true}, 0.25, -0.25},
		{Mapping{Trigger: true}, -1, 0},
		{Mapping{Trigger: true}, 0, 0.5},
		{Mapping{Trigger: true}, 1, 1},
	}
	for _, c := range cases {
		if got := c.m.Sanitize(c.in); got != c.want {
			t.Errorf("%+v.Sanitize(%v) = %v, want %v", c.m, c.in, got, c.want)
		}
	}
}

func TestButtonBitmaskRetransmitted(t *testing.T) {
	sink := &recordingSink{}
	g := NewGamepad(DefaultMappings(), sink)

	g.HandleButton(0, true) // A
	if got := sink.last(t).Buttons; got != protocol.ButtonA {
		t.Fatalf("expected A, got %#x", got)
	}
	g.HandleButton(2, true) // X
	if got := sink.last(t).Buttons; got != protocol.ButtonA|protocol.ButtonX {
		t.Fatalf("expected A|X, got %#x", got)
	}
	g.HandleButton(0, false)
	if got := sink.last(t).Buttons; got != protocol.ButtonX {
		t.Fatalf("expected X, got %#x", got)
	}
	if sink.count() != 3 {
		t.Fatalf("expected a full state per event, got %d", sink.count())
	}
}

func TestAxisQuantization(t *testing.T) {
	sink := &recordingSink{}
	g := NewGamepad(DefaultMappings(), sink)

	g.HandleAxis(0, 1.0) // left stick X
	if got := sink.last(t).LeftStickX; got != 0x7FFF {
		t.Fatalf("expected 0x7FFF, got %d", got)
	}
	g.HandleAxis(0, -2.0) // out of range clamps
	if got := sink.last(t).LeftStickX; got != -0x7FFF {
		t.Fatalf("expected -0x7FFF, got %d", got)
	}
	g.HandleAxis(1, 0.5) // left stick Y is inverted by default
	if got := sink.last(t).LeftStickY; got != -16384 {
		t.Fatalf("expected -16384, got %d", got)
	}
	g.HandleAxis(2, 1.0) // left trigger rescaled from [-1,1]
	if got := sink.last(t).LeftTrigger; got != 0xFF {
		t.Fatalf("expected 0xFF, got %d", got)
	}
	g.HandleAxis(2, -1.0)
	if got := sink.last(t).LeftTrigger; got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestAxisToDigitalComponent(t *testing.T) {
	sink := &recordingSink{}
	table := MappingTable{
		{SourceAxis, 6}: {Component: ComponentDpadRight},
	}
	g := NewGamepad(table, sink)

	g.HandleAxis(6, 0.4)
	if sink.last(t).Buttons != 0 {
		t.Fatal("0.4 should not press the button")
	}
	g.HandleAxis(6, 0.9)
	if sink.last(t).Buttons != protocol.ButtonRight {
		t.Fatal("0.9 should press the button")
	}
}

func TestButtonToAnalogComponent(t *testing.T) {
	sink := &recordingSink{}
	table := MappingTable{
		{SourceButton, 20}: {Component: ComponentRightTrigger},
	}
	g := NewGamepad(table, sink)

	g.HandleButton(20, true)
	if got := sink.last(t).RightTrigger; got != 0xFF {
		t.Fatalf("expected full trigger, got %d", got)
	}
	g.HandleButton(20, false)
	if got := sink.last(t).RightTrigger; got != 0 {
		t.Fatalf("expected released trigger, got %d", got)
	}
}

func TestUnmappedIgnored(t *testing.T) {
	sink := &recordingSink{}
	g := NewGamepad(MappingTable{}, sink)
	if g.HandleButton(3, true) || g.HandleAxis(3, 1) {
		t.Fatal("unmapped source reported as handled")
	}
	if sink.count() != 0 {
		t.Fatal("unmapped source sent a packet")
	}
}

func TestMappingsFromConfig(t *testing.T) {
	table, err := MappingsFromConfig([]config.GamepadMapping{
		{Source: "axis", ID: 5, Component: "LT", Invert: true, Trigger: true},
		{Source: "button", ID: 1, Component: "start"},
	})
	if err != nil {
		t.Fatal(err)
	}
	m := table[SourceComponent{SourceAxis, 5}]
	if m.Component != ComponentLeftTrigger || !m.Invert || !m.Trigger {
		t.Fatalf("unexpected axis mapping %+v", m)
	}
	if table[SourceComponent{SourceButton, 1}].Component != ComponentStart {
		t.Fatal("button mapping missing")
	}

	if _, err := MappingsFromConfig([]config.GamepadMapping{{Source: "axis", Component: "joystick"}}); err == nil {
		t.Fatal("expected error for unknown component")
	}

	def, err := MappingsFromConfig(nil)
	if err != nil || len(def) != len(DefaultMappings()) {
		t.Fatalf("expected defaults, got %d entries, err %v", len(def), err)
	}
}

func TestControllerRoundTripThroughGamepad(t *testing.T) {
	sink := &recordingSink{}
	g := NewGamepad(DefaultMappings(), sink)
	g.HandleButton(0, true)

	state := sink.last(t)
	raw, err := protocol.EncodeInput(&state)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := protocol.DecodeInput(raw)
	if err != nil {
		t.Fatal(err)
	}
	got := msg.(*protocol.Controller)
	if *got != (protocol.Controller{Buttons: protocol.ButtonA}) {
		t.Fatalf("unexpected decoded state %+v", got)
	}
}

func TestComponentNames(t *testing.T) {
	for c := ComponentA; c <= ComponentSpecial; c++ {
		back, err := ParseComponent(c.String())
		if err != nil || back != c {
			t.Fatalf("%v did not round trip: %v %v", c, back, err)
		}
	}
}
