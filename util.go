package entstore

// Map returns fn applied to every element of list, in order.
func Map[In, Out any](list []In, fn func(In) Out) []Out {
	out := make([]Out, 0, len(list))
	for _, v := range list {
		out = append(out, fn(v))
	}
	return out
}

// Filter returns the elements of list that keep reports true for. The result
// is nil when nothing is kept.
func Filter[T any](list []T, keep func(T) bool) []T {
	var out []T
	for _, v := range list {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
