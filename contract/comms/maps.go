package comms

// ValueOr returns m[key], or the zero value when the key is absent or m is nil.
func ValueOr[K comparable, V any](m map[K]V, key K) V {
	if v, ok := m[key]; ok {
		return v
	}

	var zero V

	return zero
}
