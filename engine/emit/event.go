package emit

// Event is one observability record from a run: check start/complete,
// skips, retries, routed runs, wave boundaries, and engine warnings.
type Event struct {
	// SessionID identifies the run that emitted this event.
	SessionID string

	// Wave is the wave number (1-indexed). Zero for run-level events.
	Wave int

	// Check is the check id. Empty for run- and wave-level events.
	Check string

	// Scope is the canonical scope key ("" = root).
	Scope string

	// Msg names the event: "run_start", "wave_start", "check_complete",
	// "check_skipped", "retry", "forward_run", "warning", "run_end".
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "duration_ms": step duration
	//   - "issues": issue count
	//   - "reason": skip or warning reason
	//   - "target": routed target id
	//   - "attempt": retry attempt
	Meta map[string]any
}
