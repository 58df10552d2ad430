// Package console is the terminal front end of a stream: connection
// progress on stderr and keystrokes from stdin.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/chronologos/gstream/internal/connection"
)

var (
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	messageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Status prints connection progress and records how the connection ended.
// It implements connection.Listener.
type Status struct {
	mu sync.Mutex
	w  io.Writer

	started chan struct{}
	done    chan struct{}
	err     error
	once    sync.Once
}

var _ connection.Listener = (*Status)(nil)

func NewStatus(w io.Writer) *Status {
	return &Status{
		w:       w,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Status) println(style lipgloss.Style, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, style.Render(fmt.Sprintf(format, args...)))
}

func (s *Status) StageStarting(st connection.Stage) {
	s.println(pendingStyle, "  %s...", st)
}

func (s *Status) StageComplete(st connection.Stage) {
	s.println(okStyle, "✓ %s", st)
}

func (s *Status) StageFailed(st connection.Stage, err error) {
	s.println(errorStyle, "✗ %s: %v", st, err)
	s.finish(fmt.Errorf("%s: %w", st, err))
}

func (s *Status) ConnectionStarted() {
	s.println(titleStyle, "streaming")
	s.println(helpStyle, "type ~. at the start of a line to disconnect")
	close(s.started)
}

func (s *Status) ConnectionTerminated(err error) {
	s.println(errorStyle, "stream ended: %v", err)
	s.finish(err)
}

func (s *Status) DisplayMessage(msg string) {
	s.println(messageStyle, "%s", msg)
}

func (s *Status) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Started is closed once every stage has completed.
func (s *Status) Started() <-chan struct{} {
	return s.started
}

// Done is closed on the terminal notification.
func (s *Status) Done() <-chan struct{} {
	return s.done
}

// Err waits for Done and returns the terminal error.
func (s *Status) Err() error {
	<-s.done
	return s.err
}
