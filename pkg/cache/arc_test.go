package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/stratafs/pkg/fingerprint"
)

func testFP(t *testing.T, label string) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.FromRaw([]byte(label))
	require.NoError(t, err)
	return fp
}

func testBody(size int) []byte {
	return make([]byte, size)
}

// assertBudget checks the resident and total retention bounds.
func assertBudget(t *testing.T, a *ARC, c int64) {
	t.Helper()
	t1, t2, b1, b2 := a.ListSizes()
	assert.LessOrEqual(t, t1+t2, c, "resident bytes exceed budget")
	assert.LessOrEqual(t, t1+t2+b1+b2, 2*c, "total retention exceeds 2c")
	p := a.TargetP()
	assert.GreaterOrEqual(t, p, int64(0))
	assert.LessOrEqual(t, p, c)
}

func TestARCHitPromotesToT2(t *testing.T) {
	a := NewARC(1000)
	fp := testFP(t, "item")
	a.Admit(fp, testBody(100))

	t1, t2, _, _ := a.ListSizes()
	assert.Equal(t, int64(100), t1)
	assert.Equal(t, int64(0), t2)

	_, ok := a.Lookup(fp)
	require.True(t, ok)
	t1, t2, _, _ = a.ListSizes()
	assert.Equal(t, int64(0), t1)
	assert.Equal(t, int64(100), t2)

	// A second hit stays in T2.
	_, ok = a.Lookup(fp)
	require.True(t, ok)
	_, t2, _, _ = a.ListSizes()
	assert.Equal(t, int64(100), t2)
}

func TestARCMiss(t *testing.T) {
	a := NewARC(1000)
	_, ok := a.Lookup(testFP(t, "absent"))
	assert.False(t, ok)
	assert.Equal(t, int64(1), a.Stats().Misses)
}

func TestARCNeverExceedsBudget(t *testing.T) {
	const c = 1000
	a := NewARC(c)

	for i := 0; i < 50; i++ {
		a.Admit(testFP(t, fmt.Sprintf("item-%d", i)), testBody(100))
		assertBudget(t, a, c)
	}
	assert.LessOrEqual(t, a.ResidentBytes(), int64(c))
}

func TestARCOversizedItemNotAdmitted(t *testing.T) {
	a := NewARC(100)
	fp := testFP(t, "too big")
	a.Admit(fp, testBody(101))
	assert.False(t, a.Contains(fp))
	assert.Equal(t, int64(0), a.ResidentBytes())
}

func TestARCEvictionLeavesGhost(t *testing.T) {
	const c = 300
	a := NewARC(c)

	fps := make([]fingerprint.Fingerprint, 4)
	for i := range fps {
		fps[i] = testFP(t, fmt.Sprintf("ghost-%d", i))
		a.Admit(fps[i], testBody(100))
	}

	// The budget holds three; the oldest was demoted to B1, body gone.
	assert.False(t, a.Contains(fps[0]))
	_, _, b1, _ := a.ListSizes()
	assert.Equal(t, int64(100), b1)
	assertBudget(t, a, c)
}

// Ghost rehit: readmitting a recently evicted item raises the target p
// by at least the item's size, lands it in T2, and demotes a T1
// resident.
func TestARCGhostRehitAdapts(t *testing.T) {
	const c = 300
	a := NewARC(c)

	names := []string{"A", "B", "C", "D", "E"}
	fps := make(map[string]fingerprint.Fingerprint)
	for _, n := range names {
		fps[n] = testFP(t, n)
		a.Admit(fps[n], testBody(100))
	}

	// A and B were demoted to B1.
	assert.False(t, a.Contains(fps["A"]))
	assert.Equal(t, int64(0), a.TargetP())

	a.Admit(fps["A"], testBody(100))

	assert.GreaterOrEqual(t, a.TargetP(), int64(100), "p grows on B1 rehit")
	assert.True(t, a.Contains(fps["A"]))

	// A is in T2 now: a lookup keeps it there.
	_, ok := a.Lookup(fps["A"])
	require.True(t, ok)
	_, t2, _, _ := a.ListSizes()
	assert.Equal(t, int64(100), t2)
	assertBudget(t, a, c)
	assert.Equal(t, int64(1), a.Stats().GhostHits)
}

// Scan resistance: a first pass floods T1; a repeat pass hits and
// promotes to T2 with p never regressing and the budget never
// overflowing.
func TestARCScanThenRepeat(t *testing.T) {
	const c = 1000
	a := NewARC(c)

	fps := make([]fingerprint.Fingerprint, 10)
	for i := range fps {
		fps[i] = testFP(t, fmt.Sprintf("scan-%d", i))
		a.Admit(fps[i], testBody(100))
		assertBudget(t, a, c)
	}

	lastP := a.TargetP()
	hits := 0
	for _, fp := range fps {
		if _, ok := a.Lookup(fp); ok {
			hits++
		} else {
			a.Admit(fp, testBody(100))
		}
		p := a.TargetP()
		assert.GreaterOrEqual(t, p, lastP, "p must not regress during the repeat pass")
		lastP = p
		assertBudget(t, a, c)
	}
	assert.Greater(t, hits, 0)

	// Third pass: everything admitted or retained above is hot now.
	for _, fp := range fps {
		_, ok := a.Lookup(fp)
		if a.Contains(fp) {
			assert.True(t, ok)
		}
	}
}

func TestARCRemove(t *testing.T) {
	a := NewARC(1000)
	fp := testFP(t, "removed")
	a.Admit(fp, testBody(100))
	require.True(t, a.Contains(fp))

	a.Remove(fp)
	assert.False(t, a.Contains(fp))
	assert.Equal(t, int64(0), a.ResidentBytes())

	// Removing again is harmless.
	a.Remove(fp)
}

func TestARCGhostHoldsNoBody(t *testing.T) {
	const c = 200
	a := NewARC(c)
	first := testFP(t, "first")
	a.Admit(first, testBody(200))
	a.Admit(testFP(t, "second"), testBody(200))

	// first is a ghost: not resident, not servable.
	assert.False(t, a.Contains(first))
	_, ok := a.Lookup(first)
	assert.False(t, ok)
	assert.LessOrEqual(t, a.ResidentBytes(), int64(c))
}
