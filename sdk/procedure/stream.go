package procedure

import (
	"context"
	"io"
)

// Stream yields subscription values. Next returns io.EOF once exhausted.
type Stream interface {
	Next(ctx context.Context) (any, error)
}

// StreamFunc adapts a function to Stream.
type StreamFunc func(ctx context.Context) (any, error)

func (f StreamFunc) Next(ctx context.Context) (any, error) { return f(ctx) }

// FromChannel streams values from ch until it is closed.
func FromChannel[T any](ch <-chan T) Stream {
	return StreamFunc(func(ctx context.Context) (any, error) {
		select {
		case v, ok := <-ch:
			if !ok {
				return nil, io.EOF
			}
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// FromSlice streams the elements of vs in order.
func FromSlice[T any](vs []T) Stream {
	i := 0
	return StreamFunc(func(ctx context.Context) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i >= len(vs) {
			return nil, io.EOF
		}
		v := vs[i]
		i++
		return v, nil
	})
}
