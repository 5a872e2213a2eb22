// Package fleetly is a small streaming dataflow runtime. It composes
// user-supplied stage functions into a directed acyclic graph and runs
// them concurrently, one cooperative goroutine per stage, connected by
// bounded FIFO queues that provide natural back-pressure.
package fleetly

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"
)

// DefaultBufferSize is the default capacity of a stage's inbound queue.
const DefaultBufferSize = 3

// Item is the dynamic payload type flowing through the graph. Stage
// functions are untyped on purpose: the graph itself never inspects an
// item's contents, only forwards it.
type Item = any

// Graph is a mapping from a stage's identity key to its Stage, built up
// by repeated calls to the attach constructors below. Construction must
// be append-only: build the whole graph, then call Run once.
type Graph struct {
	stages  map[any]*Stage
	order   []*Stage // registration order, used for diagram emission
	bufSize int
}

// New creates an empty graph. bufSize is the default inbound queue
// capacity for stages added to this graph (DefaultBufferSize if <= 0).
func New(bufSize int) *Graph {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Graph{
		stages:  make(map[any]*Stage),
		bufSize: bufSize,
	}
}

// Get returns the stage registered under key, or nil.
func (g *Graph) Get(key any) *Stage {
	return g.stages[key]
}

func (g *Graph) attach(key any, name string, kind ShapeKind, fn stageFunc) *Stage {
	if existing, ok := g.stages[key]; ok {
		return existing
	}

	st := &Stage{
		key:      key,
		name:     name,
		kind:     kind,
		fn:       fn,
		queue:    make(chan Item, g.bufSize),
		capacity: g.bufSize,
	}
	g.stages[key] = st
	g.order = append(g.order, st)
	return st
}

// Func attaches a synchronous scalar stage function (one output per
// input, or a single output when used as a source).
func (g *Graph) Func(key any, name string, fn ScalarFunc) *Stage {
	return g.attach(key, name, ShapeFunc, stageFunc{scalar: fn})
}

// Generator attaches a synchronous lazy-sequence stage function (zero
// or more outputs per input, or for a single call when used as a
// source).
func (g *Graph) Generator(key any, name string, fn SeqFunc) *Stage {
	return g.attach(key, name, ShapeGenerator, stageFunc{seq: fn})
}

// Coroutine attaches an asynchronous scalar stage function. Runtime
// behavior is identical to Func (every stage already runs in its own
// goroutine); the distinct constructor exists so diagram output can
// report the shape the way the original design intended.
func (g *Graph) Coroutine(key any, name string, fn ScalarFunc) *Stage {
	return g.attach(key, name, ShapeCoroutine, stageFunc{scalar: fn})
}

// AsyncGenerator attaches an asynchronous lazy-sequence stage function.
// Runtime behavior is identical to Generator; see Coroutine.
func (g *Graph) AsyncGenerator(key any, name string, fn SeqFunc) *Stage {
	return g.attach(key, name, ShapeAsyncGenerator, stageFunc{seq: fn})
}

// Connect adds an edge from >> to. It is additive: calling it again for
// the same pair adds a second edge, so every item is forwarded to the
// target twice and the target waits for one more end-of-stream.
func (g *Graph) Connect(from, to *Stage) *Stage {
	if from == to {
		panic(fmt.Sprintf("fleetly: stage %q cannot connect to itself", from.name))
	}
	from.out = append(from.out, to)
	to.inDegree++
	return to
}

// ErrCycle is returned by Run when the graph built so far is not
// acyclic. Bounded queues deadlock under a cycle, so this is checked
// before any goroutine starts.
type ErrCycle struct {
	Stage string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("fleetly: cycle detected through stage %q", e.Stage)
}

// Run starts one cooperative task per registered stage and blocks until
// all of them finish. The first stage function error cancels the rest
// of the run (fail-fast); partial output already forwarded downstream
// before the failure is not retracted.
func (g *Graph) Run(ctx context.Context) error {
	if cyc := g.findCycle(); cyc != nil {
		return cyc
	}
	if err := g.validateShapes(); err != nil {
		return err
	}

	eg, runCtx := errgroup.WithContext(ctx)

	for _, st := range g.order {
		st := st
		eg.Go(func() error {
			return runStage(runCtx, st)
		})
	}

	if err := eg.Wait(); err != nil {
		log.Printf("[Fleetly] run aborted: %v", err)
		return err
	}
	return nil
}

func (g *Graph) findCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[*Stage]int, len(g.order))

	var visit func(st *Stage) error
	visit = func(st *Stage) error {
		color[st] = gray
		for _, next := range st.out {
			switch color[next] {
			case gray:
				return &ErrCycle{Stage: next.name}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[st] = black
		return nil
	}

	for _, st := range g.order {
		if color[st] == white {
			if err := visit(st); err != nil {
				return err
			}
		}
	}
	return nil
}
