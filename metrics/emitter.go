package metrics

// Emitter receives resolution events. Implementations must never block
// the resolve path; slow sinks buffer or drop.
type Emitter interface {
	Emit(event ResolutionEvent)
}

// Fanout delivers each event to every sink in order
type Fanout []Emitter

// Emit dispatches to all sinks
func (f Fanout) Emit(event ResolutionEvent) {
	for _, sink := range f {
		sink.Emit(event)
	}
}

// Nop discards events; used by surfaces that must not record, like
// describe.
type Nop struct{}

// Emit discards the event
func (Nop) Emit(ResolutionEvent) {}
