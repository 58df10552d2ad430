package input

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

type fakeEnumerator struct {
	mu      sync.Mutex
	devices []Device
	rescans int
	err     error
}

func (f *fakeEnumerator) Rescan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescans++
	return f.err
}

func (f *fakeEnumerator) Devices() []Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Device(nil), f.devices...)
}

func (f *fakeEnumerator) set(devs ...Device) {
	f.mu.Lock()
	f.devices = devs
	f.mu.Unlock()
}

func TestManagerRescan(t *testing.T) {
	enum := &fakeEnumerator{}
	sink := &recordingSink{}
	m := NewManager(enum, DefaultMappings(), sink, nil)

	enum.set(Device{ID: "pad0"}, Device{ID: "pad1"})
	if err := m.Rescan(); err != nil {
		t.Fatal(err)
	}
	if got := m.Devices(); !reflect.DeepEqual(got, []string{"pad0", "pad1"}) {
		t.Fatalf("unexpected devices %v", got)
	}

	m.HandleButton("pad0", 0, true)
	if sink.last(t).Buttons == 0 {
		t.Fatal("button not forwarded")
	}

	// pad0 survives a rescan with its state; pad1 goes away
	enum.set(Device{ID: "pad0"}, Device{ID: "pad2"})
	if err := m.Rescan(); err != nil {
		t.Fatal(err)
	}
	if got := m.Devices(); !reflect.DeepEqual(got, []string{"pad0", "pad2"}) {
		t.Fatalf("unexpected devices %v", got)
	}
	if m.pad("pad0").State().Buttons == 0 {
		t.Fatal("rescan reset an attached device")
	}
	if enum.rescans != 2 {
		t.Fatalf("expected 2 rescans, got %d", enum.rescans)
	}

	before := sink.count()
	m.HandleAxis("pad1", 0, 1)
	if sink.count() != before {
		t.Fatal("event from detached device was sent")
	}
}

func TestManagerRescanError(t *testing.T) {
	enum := &fakeEnumerator{err: errors.New("bus busy")}
	m := NewManager(enum, nil, nil, nil)
	if err := m.Rescan(); err == nil {
		t.Fatal("expected rescan error")
	}
}
