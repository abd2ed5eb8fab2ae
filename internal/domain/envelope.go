package domain

// EventEnvelope is one progress tick from the external backend process.
// Events flow over the per-category feed topics and are consumed exactly
// once by the matching correlator; the core never persists them.
type EventEnvelope struct {
	RunID         string `json:"run_id"`
	SequenceIndex int    `json:"sequence_index"`
	SequenceTotal int    `json:"sequence_total"`
	Status        string `json:"status"`
	Line          string `json:"line,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ElapsedMs     int64  `json:"elapsed_ms,omitempty"`
}

// Valid reports whether the envelope carries the minimum fields needed to
// route it. Malformed envelopes are dropped, never raised.
func (e *EventEnvelope) Valid() bool {
	return e.RunID != "" && e.Status != ""
}

// Final reports whether this envelope is the last tick of its sequence.
func (e *EventEnvelope) Final() bool {
	return e.SequenceTotal > 0 && e.SequenceIndex >= e.SequenceTotal
}
