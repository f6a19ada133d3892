package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names the broadcast an Event represents. Values match the message
// types the status UI listens for.
type Stage string

// Supported stages.
const (
	StageBulkUpdate   Stage = "BULK_CLIP_UPDATE"
	StageBulkComplete Stage = "BULK_CLIP_COMPLETE"
	StageClipDone     Stage = "CLIP_COMPLETED"
	StageClipFailed   Stage = "CLIP_FAILED"
	StageSyncProgress Stage = "BOOKMARK_SCRAPE_PROGRESS"
	StageSyncDone     Stage = "BOOKMARK_SYNC_COMPLETE"
	StageNotification Stage = "NOTIFICATION"
)

// Event is one broadcast.
type Event struct {
	// JobID ties bulk and sync events to their run; zero for single captures.
	JobID [16]byte `json:"-"`
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time `json:"timestamp"`
	Stage Stage     `json:"type"`
	// URL is the capture target for per-item events.
	URL string `json:"url,omitempty"`
	// Kind is the handler kind for per-item events.
	Kind string `json:"kind,omitempty"`
	// Title doubles as the notification title.
	Title string `json:"title,omitempty"`
	// Note carries error text or the notification body.
	Note string `json:"note,omitempty"`
	// Dur is the elapsed time of a finished capture or run.
	Dur time.Duration `json:"durationMs,omitempty"`
	// Payload is the JSON body broadcast to listeners (job snapshot, summary).
	Payload any `json:"payload,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBulkUpdate, StageBulkComplete, StageSyncProgress, StageSyncDone:
		if e.JobID == [16]byte{} {
			return fmt.Errorf("%s requires job id", e.Stage)
		}
	case StageClipDone, StageClipFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageNotification:
		if e.Title == "" {
			return errors.New("notification requires title")
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

// Attributes labels the event when it is published to Pub/Sub.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{"type": string(e.Stage)}
	if e.JobID != [16]byte{} {
		attrs["job_id"] = e.JobUUID().String()
	}
	if e.Kind != "" {
		attrs["kind"] = e.Kind
	}
	return attrs
}

// ParseJobID converts a job ID string into the Event form. Unparseable IDs
// yield the zero value.
func ParseJobID(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(parsed)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
