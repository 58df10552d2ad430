package connection

import "fmt"

// Stage is one step of connection establishment. Stages run strictly in
// declaration order and none runs twice.
type Stage int

const (
	StageLaunchApp Stage = iota
	StageHandshake
	StageControlStart
	StageVideoStart
	StageAudioStart
	StageControlStart2
	StageInputStart
)

var stageNames = [...]string{
	StageLaunchApp:     "launch app",
	StageHandshake:     "handshake",
	StageControlStart:  "control start",
	StageVideoStart:    "video start",
	StageAudioStart:    "audio start",
	StageControlStart2: "control start 2",
	StageInputStart:    "input start",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Stages returns every stage in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stageNames))
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

// Listener receives connection progress. Callbacks run on the connection's
// goroutines and must not block for long. Each attempt ends with at most one
// of StageFailed or ConnectionTerminated; Stop by the caller ends it with
// neither.
type Listener interface {
	StageStarting(s Stage)
	StageComplete(s Stage)
	StageFailed(s Stage, err error)
	ConnectionStarted()
	ConnectionTerminated(err error)
	DisplayMessage(msg string)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) StageStarting(Stage)        {}
func (NopListener) StageComplete(Stage)        {}
func (NopListener) StageFailed(Stage, error)   {}
func (NopListener) ConnectionStarted()         {}
func (NopListener) ConnectionTerminated(error) {}
func (NopListener) DisplayMessage(string)      {}
