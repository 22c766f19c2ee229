// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import "sync/atomic"

// IDSequence hands out strictly increasing ids. The zero value starts at 1.
type IDSequence struct {
	last atomic.Uint64
}

// Next returns the next id.
func (s *IDSequence) Next() uint64 {
	return s.last.Add(1)
}

// Reset makes every later id greater than highest. It never moves the
// sequence backwards.
func (s *IDSequence) Reset(highest uint64) {
	for {
		cur := s.last.Load()
		if cur >= highest || s.last.CompareAndSwap(cur, highest) {
			return
		}
	}
}

// Current returns the last id handed out.
func (s *IDSequence) Current() uint64 {
	return s.last.Load()
}
