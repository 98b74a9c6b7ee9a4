package analysis

import (
	"time"

	"streamframes/internal/eventbus"
	"streamframes/internal/storage"
)

// Event types published on the bus.
const (
	EventFrameCreated   = "frame.created"
	EventFrameCompleted = "frame.completed"
	EventFrameFailed    = "frame.failed"
	EventFrameConflict  = "frame.conflict"
	EventFrameRecovered = "frame.recovered"
	EventTaskScheduled  = "task.scheduled"
	EventTaskCancelled  = "task.cancelled"
	EventSweepFinished  = "retention.swept"
)

// FrameEvent is the payload of frame.* events.
type FrameEvent struct {
	Task        string              `json:"task"`
	Start       time.Time           `json:"start"`
	End         time.Time           `json:"end"`
	Status      storage.FrameStatus `json:"status,omitempty"`
	Attempts    int                 `json:"attempts,omitempty"`
	MissingData bool                `json:"missing_data,omitempty"`
	Took        time.Duration       `json:"took,omitempty"`
	Stage       Stage               `json:"stage,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// TaskEvent is the payload of task.scheduled and task.cancelled.
type TaskEvent struct {
	Task      string            `json:"task"`
	ArmStatus storage.ArmStatus `json:"arm_status"`
}

func frameEvent(f storage.Frame) FrameEvent {
	return FrameEvent{
		Task:        f.TaskKey,
		Start:       f.Start,
		End:         f.End,
		Status:      f.Status,
		Attempts:    f.Attempts,
		MissingData: f.MissingData,
	}
}

func publish(bus eventbus.Bus, typ string, data any) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
