// Package event defines the typed progress events the mirror engine emits
// for presenters and structured logging.
package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	JobStarted Type = iota + 1
	ScanStarted
	ScanComplete
	ChunkCopied
	SyncReached
	DrainStarted
	DrainComplete
	JobCompleted
	JobCancelled
	JobFailed
)

var typeNames = [...]string{
	JobStarted:    "JobStarted",
	ScanStarted:   "ScanStarted",
	ScanComplete:  "ScanComplete",
	ChunkCopied:   "ChunkCopied",
	SyncReached:   "SyncReached",
	DrainStarted:  "DrainStarted",
	DrainComplete: "DrainComplete",
	JobCompleted:  "JobCompleted",
	JobCancelled:  "JobCancelled",
	JobFailed:     "JobFailed",
}

func (t Type) String() string {
	if int(t) > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event is a single progress event from the engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	JobID     string
	Offset    int64 // chunk offset (ChunkCopied) or progress offset
	Bytes     int64 // bytes copied (ChunkCopied) or dirty bytes seeded (ScanComplete)
	Total     int64 // device length
	Error     error
}
