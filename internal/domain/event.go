package domain

import "sync/atomic"

// Stage is a state of the download-and-mux pipeline
type Stage string

const (
	StageResolving        Stage = "resolving"
	StageFetching         Stage = "fetching"
	StageExtracting       Stage = "extracting"
	StageDownloadingVideo Stage = "downloading_video"
	StageDownloadingAudio Stage = "downloading_audio"
	StageProbing          Stage = "probing"
	StageMuxing           Stage = "muxing"
	StageDone             Stage = "done"
	StageCancelled        Stage = "cancelled"
	StageFailed           Stage = "failed"
)

// IsFinal reports whether no further transitions follow the stage
func (s Stage) IsFinal() bool {
	return s == StageDone || s == StageCancelled || s == StageFailed
}

// EventKind tags a ProgressEvent
type EventKind string

const (
	EventPercent EventKind = "percent"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
)

// ProgressEvent is a single progress report of a pipeline run.
// Done and Error events are terminal.
type ProgressEvent struct {
	Kind    EventKind `json:"kind"`
	Stage   Stage     `json:"stage,omitempty"`
	Percent float64   `json:"percent"`
	Message string    `json:"message,omitempty"`
}

// PercentEvent reports progress of the task running in stage
func PercentEvent(stage Stage, percent float64) ProgressEvent {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return ProgressEvent{Kind: EventPercent, Stage: stage, Percent: percent}
}

// DoneEvent reports successful completion
func DoneEvent() ProgressEvent {
	return ProgressEvent{Kind: EventDone, Stage: StageDone, Percent: 100}
}

// ErrorEvent reports a terminal failure or a paused download
func ErrorEvent(stage Stage, message string) ProgressEvent {
	return ProgressEvent{Kind: EventError, Stage: stage, Message: message}
}

// IsTerminal reports whether the event ends the stream
func (e ProgressEvent) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// ProgressSink receives progress events
type ProgressSink interface {
	Emit(event ProgressEvent)
}

// SinkFunc adapts a function to ProgressSink
type SinkFunc func(event ProgressEvent)

// Emit calls f(event)
func (f SinkFunc) Emit(event ProgressEvent) {
	f(event)
}

// DiscardSink drops every event
var DiscardSink ProgressSink = SinkFunc(func(ProgressEvent) {})

// CancelFlag is a cooperative pause request shared between a controller
// (writer) and the stream downloader (reader). The zero value is unset.
type CancelFlag struct {
	set atomic.Bool
}

// Set requests cancellation
func (f *CancelFlag) Set() {
	f.set.Store(true)
}

// IsSet reports whether cancellation was requested. A nil flag is never set.
func (f *CancelFlag) IsSet() bool {
	return f != nil && f.set.Load()
}

// Reset clears the flag at the start of a run
func (f *CancelFlag) Reset() {
	f.set.Store(false)
}
