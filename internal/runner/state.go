package runner

import "errors"

type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Stage string

const (
	StageContext    Stage = "context"
	StageThroughput Stage = "throughput"
	StageJitter     Stage = "jitter"
	StagePacketLoss Stage = "packet_loss"
	StageProviders  Stage = "providers"
	StageScoring    Stage = "scoring"
)

var (
	// ErrBusy is returned by Run when a run is already in flight.
	ErrBusy = errors.New("a test run is already in progress")
	// ErrTotalFailure indicates no stage produced usable data.
	ErrTotalFailure = errors.New("every test stage failed")
	// ErrCancelled indicates the run was cancelled before all stages ran.
	ErrCancelled = errors.New("test run cancelled")
)
