package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a milestone of a mirror run.
type Stage string

// Run stages.
const (
	StageRunStart Stage = "RUN_START"
	StagePostDone Stage = "POST_DONE"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"
)

// Event is one milestone of a run.
type Event struct {
	RunID  string    `json:"run_id"`
	TS     time.Time `json:"ts"`
	Stage  Stage     `json:"stage"`
	Author string    `json:"author"`
	// Slug and Outcome are set on POST_DONE.
	Slug    string `json:"slug,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	// Count is the candidate total on RUN_START and the success total on RUN_DONE.
	Count int           `json:"count,omitempty"`
	Dur   time.Duration `json:"dur_ns,omitempty"`
	Note  string        `json:"note,omitempty"`
}

// Validate rejects events sinks could not attribute.
func (e Event) Validate() error {
	if e.Author == "" {
		return errors.New("author is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StagePostDone:
		if e.Slug == "" {
			return errors.New("post done requires slug")
		}
		if e.Outcome == "" {
			return errors.New("post done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
