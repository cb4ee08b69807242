package session

import "time"

// State is the lifecycle position of one call's audio bridge.
type State string

const (
	StateCreated         State = "created"
	StateAgentConnecting State = "agent_connecting"
	StateAgentReady      State = "agent_ready"
	StateStreaming       State = "streaming"
	StateClosing         State = "closing"
	StateClosed          State = "closed"
)

// Forwarding reports whether audio may still flow in either direction.
func (s State) Forwarding() bool {
	return s != StateClosing && s != StateClosed
}

// Session is a point-in-time view of a bridged call.
type Session struct {
	ID             string    `json:"session_id"`
	CallID         string    `json:"call_id"`
	State          State     `json:"state"`
	PromptOverride string    `json:"prompt_override,omitempty"`
	OpeningMessage string    `json:"opening_message,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	PendingAudio   int       `json:"pending_audio"`
	StartedAt      time.Time `json:"started_at"`
}

// Handle is what the Registry tracks for each live session.
type Handle interface {
	Snapshot() Session
	// Terminate asks the session to close. It must not block and must be safe
	// to call any number of times.
	Terminate(reason string)
}
