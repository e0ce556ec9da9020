// Package stream defines the pull-based sequence contract shared by the
// paginator, the dispatcher, and reconciliation sources. A Stream ends
// with io.EOF, mirroring the receive loop of a client-side gRPC stream.
package stream

import "io"

// Stream is a lazy sequence of items. Recv blocks for the next item and
// returns io.EOF when the sequence is exhausted; any other error is a
// failure of the underlying source. Close releases resources and aborts
// further production; Recv after Close returns io.EOF.
type Stream[T any] interface {
	Recv() (T, error)
	Close()
}

// Func adapts a plain pull function to a Stream. Close is a no-op
// beyond making subsequent Recv calls return io.EOF.
func Func[T any](fn func() (T, error)) Stream[T] {
	return &funcStream[T]{fn: fn}
}

type funcStream[T any] struct {
	fn     func() (T, error)
	closed bool
}

func (s *funcStream[T]) Recv() (T, error) {
	if s.closed {
		var zero T
		return zero, io.EOF
	}
	return s.fn()
}

func (s *funcStream[T]) Close() { s.closed = true }

// FromSlice returns a Stream yielding the given items in order.
func FromSlice[T any](items []T) Stream[T] {
	idx := 0
	return Func(func() (T, error) {
		if idx >= len(items) {
			var zero T
			return zero, io.EOF
		}
		item := items[idx]
		idx++
		return item, nil
	})
}

// Map lazily converts a Stream of T into a Stream of V. Each item may
// expand to zero or more outputs; conversion failures are reported
// through onErr and the item is skipped.
func Map[T, V any](src Stream[T], convert func(T) ([]V, error), onErr func(error)) Stream[V] {
	var pending []V
	s := &funcStream[V]{}
	s.fn = func() (V, error) {
		var zero V
		for {
			if len(pending) > 0 {
				v := pending[0]
				pending = pending[1:]
				return v, nil
			}
			item, err := src.Recv()
			if err != nil {
				return zero, err
			}
			vs, err := convert(item)
			if err != nil {
				if onErr != nil {
					onErr(err)
				}
				continue
			}
			pending = vs
		}
	}
	return &closerStream[V]{funcStream: s, close: src.Close}
}

type closerStream[T any] struct {
	*funcStream[T]
	close func()
}

func (s *closerStream[T]) Close() {
	s.funcStream.Close()
	s.close()
}
