// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package throttle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottler_Sequence(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	th := New(5 * time.Second)

	assert.True(t, th.CanUpdateAt("a.py", base), "first update is admitted")
	assert.False(t, th.CanUpdateAt("a.py", base.Add(time.Second)), "inside the interval")
	assert.True(t, th.CanUpdateAt("a.py", base.Add(6*time.Second)), "after the interval")
}

func TestThrottler_RejectionDoesNotResetWindow(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	th := New(5 * time.Second)

	assert.True(t, th.CanUpdateAt("a.py", base))
	assert.False(t, th.CanUpdateAt("a.py", base.Add(4*time.Second)))
	// Measured from the admission at base, not from the rejection at +4s.
	assert.True(t, th.CanUpdateAt("a.py", base.Add(5*time.Second)))
}

func TestThrottler_PathsIndependent(t *testing.T) {
	base := time.Now()
	th := New(5 * time.Second)

	assert.True(t, th.CanUpdateAt("a.go", base))
	assert.True(t, th.CanUpdateAt("b.go", base))
	assert.False(t, th.CanUpdateAt("a.go", base))
	assert.Equal(t, 2, th.Len())
}

func TestThrottler_ZeroIntervalAdmitsAll(t *testing.T) {
	th := New(0)
	for i := 0; i < 5; i++ {
		assert.True(t, th.CanUpdate("a.go"))
	}
	assert.Equal(t, 0, th.Len())
}

func TestThrottler_WithClock(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	th := New(time.Minute, WithClock(func() time.Time { return now }))

	assert.True(t, th.CanUpdate("x"))
	assert.False(t, th.CanUpdate("x"))
	now = now.Add(61 * time.Second)
	assert.True(t, th.CanUpdate("x"))
}

func TestThrottler_ForgetAndPrune(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	th := New(5 * time.Second)

	th.CanUpdateAt("a", base)
	th.CanUpdateAt("b", base.Add(3*time.Second))

	th.Forget("a")
	assert.True(t, th.CanUpdateAt("a", base.Add(time.Second)), "forgotten path starts fresh")

	// At +9s: "a" (admitted at +1s) and "b" (admitted at +3s) are both refilled.
	assert.Equal(t, 2, th.Prune(base.Add(9*time.Second)))
	assert.Equal(t, 0, th.Len())
}

func TestThrottler_ConcurrentSinglePath(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	th := New(time.Hour)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.CanUpdateAt("hot.go", now) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}
