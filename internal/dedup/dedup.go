// Package dedup collapses identical in-flight REST pulls into a single
// shared call so concurrent callers for the same key observe the same
// result.
package dedup

import (
	"golang.org/x/sync/singleflight"
)

// Deduplicator executes caller-chosen functions keyed by a caller-chosen
// string, joining concurrent callers of the same key onto one in-flight
// call. Zero value is ready to use.
type Deduplicator struct {
	group singleflight.Group
}

// New returns a ready Deduplicator.
func New() *Deduplicator {
	return &Deduplicator{}
}

// Execute runs fn for key if no call for that key is in flight, otherwise
// waits for the in-flight call and returns its result. A failure from fn
// propagates to every joiner for that call.
func (d *Deduplicator) Execute(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := d.group.Do(key, fn)
	return v, err
}
