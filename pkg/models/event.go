package models

// Event is the originating social-media payload a TRIAGE ticket is
// created from. Child tickets inherit the event from their parent.
type Event struct {
	Type      string         `json:"type"`
	EventID   string         `json:"event_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Features  map[string]any `json:"features,omitempty"`
}
