package call

// Event is the interface for all session events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StateChangedEvent is emitted on every lifecycle transition.
type StateChangedEvent struct {
	From State `json:"from"`
	To   State `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// UtteranceStartedEvent is emitted when the gate opens an utterance.
type UtteranceStartedEvent struct{}

func (e *UtteranceStartedEvent) EventType() string { return "utterance.started" }

// UtteranceEndedEvent is emitted when the gate closes an utterance.
type UtteranceEndedEvent struct{}

func (e *UtteranceEndedEvent) EventType() string { return "utterance.ended" }

// TranscriptEvent is emitted for recognition updates. Non-final drafts are
// displayable but never drive the dialogue.
type TranscriptEvent struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final,omitempty"`
}

func (e *TranscriptEvent) EventType() string { return "transcript" }

// ReplyEvent is emitted when the dialogue engine produces a reply.
type ReplyEvent struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

func (e *ReplyEvent) EventType() string { return "reply" }

// PlaybackEvent signals that a synthesized reply's audio has been fully
// delivered to the caller.
type PlaybackEvent struct {
	Mark  string `json:"mark"`
	Index int    `json:"index"`
}

func (e *PlaybackEvent) EventType() string { return "playback" }

// ErrorEvent is emitted for reportable failures that did not necessarily
// end the call.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "error" }

// ClosedEvent is the last event a session emits.
type ClosedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *ClosedEvent) EventType() string { return "closed" }
