package patron

type fieldState uint8

const (
	fieldUnset fieldState = iota
	fieldNone
	fieldSet
)

// Field is a tri-state value reported by a remote identity source. The three
// states are distinct on purpose: "unset" means the remote did not mention the
// field this time and any locally known value must be kept, while "none" means
// the remote explicitly reported the field as absent and the local value must
// be erased. Collapsing the two would corrupt merges.
type Field[T any] struct {
	state fieldState
	value T
}

// Of returns a Field carrying a reported value.
func Of[T any](v T) Field[T] {
	return Field[T]{state: fieldSet, value: v}
}

// NoValue returns a Field that explicitly erases a previously known value.
func NoValue[T any]() Field[T] {
	return Field[T]{state: fieldNone}
}

// IsSet reports whether the remote provided a value.
func (f Field[T]) IsSet() bool { return f.state == fieldSet }

// IsNone reports whether the remote explicitly reported the field as absent.
func (f Field[T]) IsNone() bool { return f.state == fieldNone }

// Value returns the reported value and whether one was reported.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.state == fieldSet
}

// Or returns the reported value, or fallback when the field is unset or none.
func (f Field[T]) Or(fallback T) T {
	if f.state == fieldSet {
		return f.value
	}
	return fallback
}

// apply merges the field into a stored value following the tri-state rules.
func apply[T any](f Field[T], current T) T {
	switch f.state {
	case fieldSet:
		return f.value
	case fieldNone:
		var zero T
		return zero
	default:
		return current
	}
}
