//go:build !release

package event

// strictFinalize panics on a double finalize. Production builds pass
// -tags release to log it instead.
const strictFinalize = true
