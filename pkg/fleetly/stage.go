package fleetly

import "context"

// ShapeKind tags how a stage function was attached to the graph. It
// drives both diagram emission (§6.2) and which of the two worker loops
// (scalar vs sequence) a stage runs under.
type ShapeKind int

const (
	// ShapeFunc is a synchronous scalar stage: one input in, one output
	// out (or a single output, called once, when used as a source).
	ShapeFunc ShapeKind = iota
	// ShapeGenerator is a synchronous lazy-sequence stage: zero or more
	// outputs per input, delivered through Yield.
	ShapeGenerator
	// ShapeCoroutine is an asynchronous scalar stage. Runtime behavior
	// is identical to ShapeFunc.
	ShapeCoroutine
	// ShapeAsyncGenerator is an asynchronous lazy-sequence stage.
	// Runtime behavior is identical to ShapeGenerator.
	ShapeAsyncGenerator
)

// String returns the diagram tag for the shape, matching the original
// runtime's four labels.
func (k ShapeKind) String() string {
	switch k {
	case ShapeFunc:
		return "function"
	case ShapeGenerator:
		return "generator"
	case ShapeCoroutine:
		return "coroutine"
	case ShapeAsyncGenerator:
		return "async generator"
	default:
		return "unknown"
	}
}

// Yield is called by a lazy-sequence stage function once per item it
// produces. It blocks until the item has been queued for every
// downstream stage and returns a non-nil error (ctx.Err()) if the run
// has been cancelled, in which case the caller should stop producing.
type Yield func(item Item) error

// ScalarFunc computes exactly one output item from one input item. When
// the stage has no inbound edges (it is a source), item is nil and the
// function is invoked exactly once.
type ScalarFunc func(ctx context.Context, item Item) (Item, error)

// SeqFunc produces zero or more output items from one input item via
// yield. When the stage has no inbound edges, item is nil and the
// function is invoked exactly once.
type SeqFunc func(ctx context.Context, item Item, yield Yield) error

type stageFunc struct {
	scalar ScalarFunc
	seq    SeqFunc
}

// eos is the sentinel value that marks the end of a stage's output. It
// is never exposed to stage functions; the scheduler injects and
// consumes it.
type eosType struct{}

var eos = eosType{}

// Stage is one node of the graph: a stage function together with its
// inbound queue and the set of stages it feeds.
type Stage struct {
	key      any
	name     string
	kind     ShapeKind
	fn       stageFunc
	queue    chan Item
	capacity int

	out      []*Stage
	inDegree int
}

// Name returns the stage's diagram label.
func (s *Stage) Name() string { return s.name }

// Shape returns the stage's shape tag.
func (s *Stage) Shape() ShapeKind { return s.kind }
