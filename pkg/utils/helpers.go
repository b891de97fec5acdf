// Package utils holds small generic helpers.
package utils

// Map applies f to each element of l and returns the results in order.
func Map[A any, B any](l []A, f func(A, uint64) B) []B {
	out := make([]B, len(l))
	for i, v := range l {
		out[i] = f(v, uint64(i))
	}
	return out
}
