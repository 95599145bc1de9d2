package pipeline

import (
	"time"

	"hive-vision-streamer/config"
	"hive-vision-streamer/source"
)

// Phase is the controller's position in its state machine
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseStreaming
	PhaseRestarting
	PhaseAdvancing
	PhaseFaulted
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseStreaming:
		return "streaming"
	case PhaseRestarting:
		return "restarting"
	case PhaseAdvancing:
		return "advancing"
	case PhaseFaulted:
		return "faulted"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// FrameStats describes one processed frame. TotalBee and TotalHornet never
// decrease for the life of the process.
type FrameStats struct {
	FrameIndex  uint64    `json:"frame_index"`
	FPS         float64   `json:"fps"`
	BeeCount    int       `json:"bee_count"`
	HornetCount int       `json:"hornet_count"`
	TotalBee    uint64    `json:"total_bee"`
	TotalHornet uint64    `json:"total_hornet"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
}

// State is a point in time copy of the controller state
type State struct {
	Phase             Phase              `json:"phase"`
	CurrentSource     source.Descriptor  `json:"current_source"`
	PendingSource     *source.Descriptor `json:"pending_source,omitempty"`
	FrameCounter      uint64             `json:"frame_counter"`
	CapturedFrames    uint64             `json:"captured_frames"`
	TotalBee          uint64             `json:"total_bee"`
	TotalHornet       uint64             `json:"total_hornet"`
	OpenFailures      uint64             `json:"open_failures"`
	ReadFailures      uint64             `json:"read_failures"`
	InferenceFailures uint64             `json:"inference_failures"`
	RenderFailures    uint64             `json:"render_failures"`
	Mode              config.ModeConfig  `json:"mode"`
	StartedAt         time.Time          `json:"started_at"`
}
