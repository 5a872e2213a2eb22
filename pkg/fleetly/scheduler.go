package fleetly

import (
	"context"
	"fmt"
)

// ErrInvalidSink is returned by Run when a lazy-sequence stage has no
// outbound edges. A generator has nowhere to deliver the items it
// yields, so it is only valid as a source or a transform.
type ErrInvalidSink struct {
	Stage string
}

func (e *ErrInvalidSink) Error() string {
	return fmt.Sprintf("fleetly: generator stage %q has no outbound edge to yield into", e.Stage)
}

func (g *Graph) validateShapes() error {
	for _, st := range g.order {
		if (st.kind == ShapeGenerator || st.kind == ShapeAsyncGenerator) && len(st.out) == 0 {
			return &ErrInvalidSink{Stage: st.name}
		}
	}
	return nil
}

// runStage is the cooperative worker for a single stage: it reads from
// the stage's inbound queue (or, for a source, runs once with no
// input), invokes the stage function, and forwards results to every
// downstream stage. It returns when an end-of-stream sentinel has been
// received on every inbound edge (or immediately, for a source, once
// its single production is done), after propagating its own
// end-of-stream to its children.
func runStage(ctx context.Context, st *Stage) error {
	put := func(item Item) error {
		for _, child := range st.out {
			select {
			case child.queue <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	isSource := st.inDegree == 0

	switch st.kind {
	case ShapeFunc, ShapeCoroutine:
		if isSource {
			out, err := st.fn.scalar(ctx, nil)
			if err != nil {
				return fmt.Errorf("fleetly: stage %q: %w", st.name, err)
			}
			if err := put(out); err != nil {
				return err
			}
			return put(eos)
		}
		return runScalarTransform(ctx, st, put)

	case ShapeGenerator, ShapeAsyncGenerator:
		yield := func(item Item) error { return put(item) }
		if isSource {
			if err := st.fn.seq(ctx, nil, yield); err != nil {
				return fmt.Errorf("fleetly: stage %q: %w", st.name, err)
			}
			return put(eos)
		}
		return runSeqTransform(ctx, st, put, yield)

	default:
		return fmt.Errorf("fleetly: stage %q: unknown shape", st.name)
	}
}

func runScalarTransform(ctx context.Context, st *Stage, put func(Item) error) error {
	active := st.inDegree
	for active > 0 {
		var item Item
		select {
		case item = <-st.queue:
		case <-ctx.Done():
			return ctx.Err()
		}

		if _, ok := item.(eosType); ok {
			active--
			continue
		}

		out, err := st.fn.scalar(ctx, item)
		if err != nil {
			return fmt.Errorf("fleetly: stage %q: %w", st.name, err)
		}
		if err := put(out); err != nil {
			return err
		}
	}
	return put(eos)
}

func runSeqTransform(ctx context.Context, st *Stage, put func(Item) error, yield Yield) error {
	active := st.inDegree
	for active > 0 {
		var item Item
		select {
		case item = <-st.queue:
		case <-ctx.Done():
			return ctx.Err()
		}

		if _, ok := item.(eosType); ok {
			active--
			continue
		}

		if err := st.fn.seq(ctx, item, yield); err != nil {
			return fmt.Errorf("fleetly: stage %q: %w", st.name, err)
		}
	}
	return put(eos)
}
