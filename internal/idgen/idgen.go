// Package idgen generates job and chain identifiers. Two jobs of the same
// type and input are routinely distinct work items unless the caller opts
// into deduplication, so ids are opaque and collision-free rather than
// derived from job content.
package idgen

import "github.com/google/uuid"

// New returns a fresh random (v4) job or chain id.
func New() string {
	return uuid.NewString()
}
