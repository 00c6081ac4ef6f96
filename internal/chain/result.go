package chain

// Result is the outcome of a contract read: a value, or a revert.
// The zero Result is a revert.
type Result[T any] struct {
	value T
	ok    bool
}

// Ok wraps a successful read
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Revert is a failed read
func Revert[T any]() Result[T] {
	return Result[T]{}
}

// Reverted reports whether the read failed
func (r Result[T]) Reverted() bool {
	return !r.ok
}

// Value returns the value and whether the read succeeded
func (r Result[T]) Value() (T, bool) {
	return r.value, r.ok
}

// ValueOr returns the value, or def when the read reverted
func (r Result[T]) ValueOr(def T) T {
	if !r.ok {
		return def
	}
	return r.value
}

// Map converts a successful value with fn. A failed conversion is treated as a revert.
func Map[T, U any](r Result[T], fn func(T) (U, bool)) Result[U] {
	if !r.ok {
		return Revert[U]()
	}
	u, ok := fn(r.value)
	if !ok {
		return Revert[U]()
	}
	return Ok(u)
}
