//go:build release

package event

const strictFinalize = false
