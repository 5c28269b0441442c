// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refgraph

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_DetectCycles_Triangle(t *testing.T) {
	g := New()
	g.AddReference("A", "B")
	g.AddReference("B", "C")
	g.AddReference("C", "A")

	cycles := g.DetectCycles()
	require.Len(t, cycles, 1)

	cycle := cycles[0]
	assert.Len(t, cycle, 3)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, cycle)
}

func TestGraph_DetectCycles_DAG(t *testing.T) {
	g := New()
	g.AddReference("A", "B")
	g.AddReference("A", "C")
	g.AddReference("B", "D")
	g.AddReference("C", "D")

	assert.Empty(t, g.DetectCycles())
	assert.False(t, g.HasCycleFrom("A"))
}

func TestGraph_DetectCycles_SelfReference(t *testing.T) {
	g := New()
	g.AddReference("A", "A")

	cycles := g.DetectCycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"A"}, cycles[0])
}

func TestGraph_DetectCycles_TwoDisjointCycles(t *testing.T) {
	g := New()
	g.AddReference("A", "B")
	g.AddReference("B", "A")
	g.AddReference("X", "Y")
	g.AddReference("Y", "X")

	cycles := g.DetectCycles()
	require.Len(t, cycles, 2)
}

func TestGraph_RemoveReference_BreaksCycle(t *testing.T) {
	g := New()
	g.AddReference("A", "B")
	g.AddReference("B", "A")
	require.Len(t, g.DetectCycles(), 1)

	g.RemoveReference("B", "A")
	assert.Empty(t, g.DetectCycles())
	assert.Equal(t, 1, g.EdgeCount())
}

func TestGraph_RemoveReference_Unknown(t *testing.T) {
	g := New()
	g.AddReference("A", "B")

	// Unknown source and unknown edge are both no-ops
	g.RemoveReference("Z", "A")
	g.RemoveReference("A", "Z")
	assert.Equal(t, 1, g.EdgeCount())
}

func TestGraph_HasCycleFrom(t *testing.T) {
	g := New()
	g.AddReference("A", "B")
	g.AddReference("B", "C")
	g.AddReference("C", "B") // cycle B<->C, reachable from A

	assert.True(t, g.HasCycleFrom("A"))
	assert.True(t, g.HasCycleFrom("B"))
	assert.False(t, g.HasCycleFrom("unrelated"))
}

func TestGraph_AddReference_Idempotent(t *testing.T) {
	g := New()
	g.AddReference("A", "B")
	g.AddReference("A", "B")

	assert.Equal(t, 1, g.EdgeCount())
}

func TestGraph_DetectCycles_Deterministic(t *testing.T) {
	g := New()
	g.AddReference("C", "A")
	g.AddReference("A", "B")
	g.AddReference("B", "C")

	first := g.DetectCycles()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, g.DetectCycles())
	}
}

func TestGraph_ConcurrentMutation(t *testing.T) {
	g := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				from := fmt.Sprintf("n%d", n)
				to := fmt.Sprintf("n%d", (n+1)%8)
				g.AddReference(from, to)
				_ = g.DetectCycles()
				if j%2 == 1 {
					g.RemoveReference(from, to)
				}
			}
		}(i)
	}
	wg.Wait()
}
