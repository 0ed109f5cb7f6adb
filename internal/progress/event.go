package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/offerscout/offerscout/internal/scrape"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages. The four job stages correspond to the fixed
// checkpoints trackers emit at 0%, 25%, 75%, and 100%.
const (
	StageJobStart    Stage = "JOB_START"
	StageStrategy    Stage = "STRATEGY_PHASE"
	StageProcessing  Stage = "RESULT_PROCESSING"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageAttemptDone Stage = "ATTEMPT_DONE"
)

// Percent returns the canonical checkpoint percentage for a job stage, or -1
// when the stage carries no checkpoint.
func (s Stage) Percent() int {
	switch s {
	case StageJobStart:
		return 0
	case StageStrategy:
		return 25
	case StageProcessing:
		return 75
	case StageJobDone, StageJobError:
		return 100
	default:
		return -1
	}
}

// Event captures a single component of scrape-job progress.
type Event struct {
	// JobID uniquely identifies a job run using the 16-byte UUID form.
	JobID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or attempt milestone occurred.
	Stage Stage
	// Status is the human-readable checkpoint message shown to pollers.
	Status string
	// Kind scopes attempt events to the strategy that ran.
	Kind scrape.StrategyKind
	// Accepted is true for attempt events whose result was accepted.
	Accepted bool
	// Stores and Offers carry result counts for attempt and done events.
	Stores int64
	Offers int64
	// Dur captures execution latency for attempts and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageStrategy, StageProcessing, StageJobDone, StageJobError:
	case StageAttemptDone:
		if e.Kind == "" {
			return errors.New("attempt done requires a strategy kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// JobIDBytes encodes a string job ID into the Event form. Malformed IDs map
// to the zero value, which Validate rejects.
func JobIDBytes(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	var dest [16]byte
	copy(dest[:], parsed[:])
	return dest
}
