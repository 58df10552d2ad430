package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/chronologos/gstream/internal/input"
)

const stdinBufSize = 1024

// ErrEscape is returned by Keyboard.Run when the user typed ~. to leave the
// stream.
var ErrEscape = errors.New("escape sequence")

// KeySink receives key presses. *connection.Connection satisfies it.
type KeySink interface {
	SendKeyboard(k input.Key, modifiers byte, down bool) error
}

// csiKeys maps the final byte of ESC [ x cursor sequences.
var csiKeys = map[byte]input.Key{
	'A': input.KeyUp,
	'B': input.KeyDown,
	'C': input.KeyRight,
	'D': input.KeyLeft,
	'H': input.KeyHome,
	'F': input.KeyEnd,
}

// Keyboard turns terminal keystrokes into key presses on the host. Each
// typed character becomes a press and a release.
type Keyboard struct {
	in     io.Reader
	fd     int // -1 when in is not a terminal
	sink   KeySink
	escape *lineEscape
	log    *slog.Logger
}

// NewKeyboard reads from f. If f is not a terminal (pipe, file), raw mode is
// skipped.
func NewKeyboard(f *os.File, sink KeySink, logger *slog.Logger) *Keyboard {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		fd = -1
	}
	return newKeyboard(f, fd, sink, logger)
}

func newKeyboard(in io.Reader, fd int, sink KeySink, logger *slog.Logger) *Keyboard {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Keyboard{
		in:     in,
		fd:     fd,
		sink:   sink,
		escape: newLineEscape(),
		log:    logger.With("component", "keyboard"),
	}
}

// Run forwards keystrokes until ctx is cancelled, input ends, or the user
// types ~. (ErrEscape). The terminal is restored before Run returns. A
// failed send ends Run with that error.
func (k *Keyboard) Run(ctx context.Context) error {
	if k.fd >= 0 {
		old, err := term.MakeRaw(k.fd)
		if err != nil {
			return fmt.Errorf("make raw: %w", err)
		}
		defer term.Restore(k.fd, old)
	}

	ch := make(chan []byte, 4)
	go k.readInput(ch)

	buf := make([]byte, 0, stdinBufSize+1) // room for a held ~
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			out, leave := k.escape.filter(buf[:0], data)
			if err := k.forward(out); err != nil {
				return err
			}
			if leave {
				return ErrEscape
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readInput outlives Run if the reader blocks; it exits on the next read
// error.
func (k *Keyboard) readInput(ch chan<- []byte) {
	defer close(ch)
	for {
		buf := make([]byte, stdinBufSize)
		n, err := k.in.Read(buf)
		if n > 0 {
			ch <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

// forward sends every key in b. Terminals write a cursor sequence in one
// chunk, so an ESC at the end of b is a lone Escape key.
func (k *Keyboard) forward(b []byte) error {
	for len(b) > 0 {
		if b[0] == 0x1b && len(b) >= 3 && b[1] == '[' {
			if key, ok := csiKeys[b[2]]; ok {
				if err := k.press(key, 0); err != nil {
					return err
				}
				b = b[3:]
				continue
			}
		}

		r, size := utf8.DecodeRune(b)
		b = b[size:]
		key, mods, ok := input.KeyForRune(r)
		if !ok {
			k.log.Debug("no key for character", "rune", r)
			continue
		}
		if err := k.press(key, mods); err != nil {
			return err
		}
	}
	return nil
}

func (k *Keyboard) press(key input.Key, mods byte) error {
	if err := k.sink.SendKeyboard(key, mods, true); err != nil {
		return err
	}
	return k.sink.SendKeyboard(key, mods, false)
}
