// Package emit provides the observability event boundary of the engine.
//
// The engine never writes to stdout or a logger directly; everything a run
// wants to say goes through an Emitter. Implementations plug in logging
// (LogEmitter), tracing (OTelEmitter), buffering (BufferedEmitter), or
// nothing at all (NullEmitter).
package emit

// Emitter receives observability events from a run.
//
// Implementations must be safe for concurrent use (parallel steps within a
// level emit freely) and must never panic or block the run; slow backends
// should buffer or drop.
type Emitter interface {
	Emit(event Event)
}
