// Package metrics defines the small recorder interface the coordination
// primitives report through, plus a no-op and a Prometheus implementation.
package metrics

// Recorder receives counters and observations. Tags become labels in
// backends that support them.
type Recorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOp discards everything.
// It lets callers skip 'if r.recorder != nil' on the hot path.
type NoOp struct{}

func (NoOp) Add(name string, value float64, tags map[string]string)     {}
func (NoOp) Observe(name string, value float64, tags map[string]string) {}

// OrNoOp returns r, or NoOp when r is nil.
func OrNoOp(r Recorder) Recorder {
	if r == nil {
		return NoOp{}
	}
	return r
}
