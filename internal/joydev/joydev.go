// Package joydev reads gamepads through the Linux joystick interface
// (/dev/input/js*) and routes their events to an input.Manager. On systems
// without that interface it finds no devices.
package joydev

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chronologos/gstream/internal/input"
)

const (
	eventSize = 8 // struct js_event

	eventButton = 0x01
	eventAxis   = 0x02
	eventInit   = 0x80 // synthetic state dump sent on open

	axisMax = 32767

	DefaultRescanInterval = 2 * time.Second
)

// Event is one decoded js_event record.
type Event struct {
	Value  int16
	Type   uint8
	Number uint8
}

// DecodeEvent parses one record. b must hold at least eventSize bytes.
func DecodeEvent(b []byte) Event {
	return Event{
		Value:  int16(binary.NativeEndian.Uint16(b[4:6])),
		Type:   b[6],
		Number: b[7],
	}
}

// Handler receives decoded events. *input.Manager satisfies it.
type Handler interface {
	HandleButton(device string, button int, pressed bool)
	HandleAxis(device string, axis int, value float64)
}

// Dispatch hands ev to h. Init events carry the current state and are
// dispatched like live ones.
func Dispatch(h Handler, device string, ev Event) {
	switch ev.Type &^ eventInit {
	case eventButton:
		h.HandleButton(device, int(ev.Number), ev.Value != 0)
	case eventAxis:
		v := float64(ev.Value) / axisMax
		if v < -1 {
			v = -1
		}
		h.HandleAxis(device, int(ev.Number), v)
	}
}

// Read decodes events from r until it fails. A clean end of input returns nil.
func Read(r io.Reader, device string, h Handler) error {
	buf := make([]byte, eventSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		Dispatch(h, device, DecodeEvent(buf))
	}
}

// Enumerator lists joystick device nodes. It implements
// input.DeviceEnumerator.
type Enumerator struct {
	pattern string // device node glob
	sysfs   string // class directory holding <node>/device/name

	mu      sync.Mutex
	devices []input.Device
}

var _ input.DeviceEnumerator = (*Enumerator)(nil)

func NewEnumerator() *Enumerator {
	return &Enumerator{pattern: "/dev/input/js*", sysfs: "/sys/class/input"}
}

func (e *Enumerator) Rescan() error {
	paths, err := filepath.Glob(e.pattern)
	if err != nil {
		return err
	}
	sort.Strings(paths)
	devices := make([]input.Device, 0, len(paths))
	for _, p := range paths {
		devices = append(devices, input.Device{ID: p, Name: e.name(p)})
	}
	e.mu.Lock()
	e.devices = devices
	e.mu.Unlock()
	return nil
}

func (e *Enumerator) Devices() []input.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]input.Device(nil), e.devices...)
}

func (e *Enumerator) name(path string) string {
	b, err := os.ReadFile(filepath.Join(e.sysfs, filepath.Base(path), "device", "name"))
	if err != nil {
		return filepath.Base(path)
	}
	return strings.TrimSpace(string(b))
}

// Pump rescans the manager's devices every interval and reads each attached
// device until ctx is done. Device nodes are closed before Pump returns.
func Pump(ctx context.Context, m *input.Manager, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if interval <= 0 {
		interval = DefaultRescanInterval
	}
	log := logger.With("component", "joydev")

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	open := make(map[string]*os.File)
	defer func() {
		mu.Lock()
		for _, f := range open {
			f.Close()
		}
		mu.Unlock()
		wg.Wait()
	}()

	attach := func() error {
		if err := m.Rescan(); err != nil {
			return err
		}
		for _, id := range m.Devices() {
			mu.Lock()
			_, ok := open[id]
			mu.Unlock()
			if ok {
				continue
			}
			f, err := os.Open(id)
			if err != nil {
				log.Warn("open gamepad", "device", id, "err", err)
				continue
			}
			mu.Lock()
			open[id] = f
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := Read(f, id, m); err != nil && ctx.Err() == nil {
					log.Info("gamepad read ended", "device", id, "err", err)
				}
				mu.Lock()
				delete(open, id)
				mu.Unlock()
				f.Close()
			}()
		}
		return nil
	}

	if err := attach(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := attach(); err != nil {
				log.Warn("gamepad rescan", "err", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
