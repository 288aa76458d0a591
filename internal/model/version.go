// Package model defines the shared-document schema stored per
// (consumerGroup, streamName) and the version arithmetic every conditional
// mutation relies on.
package model

import (
	"fmt"
	"strconv"
)

// InitialVersion is the version assigned to a freshly created document.
const InitialVersion = "0000"

// initialEntryVersion is used by entries that start their life already
// "once mutated": an EnhancedEntry/ShardEntry created by an insert bumps
// straight to "0001" since the insert itself is that first mutation.
const initialEntryVersion = "0001"

const versionModulus = 10000

// NextVersion returns the 4-digit zero-padded decimal string that follows
// v, wrapping from "9999" back to "0000". It panics if v is not a
// well-formed version string: callers only ever pass versions that were
// themselves produced by this package or read back from the store.
func NextVersion(v string) string {
	n, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("model: malformed version %q: %v", v, err))
	}
	return FormatVersion((n + 1) % versionModulus)
}

// FormatVersion renders n as a 4-digit zero-padded decimal string.
func FormatVersion(n int) string {
	return fmt.Sprintf("%04d", n%versionModulus)
}
