package emit

// NullEmitter discards all events. Used when no observability backend is
// configured; the engine can always emit without nil checks.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
