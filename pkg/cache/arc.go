// Package cache implements the resident tiers of the content cache:
// the in-memory adaptive replacement tier, the on-disk tier, and the
// heat tracking that drives promotion and eviction across both.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/stratafs/stratafs/pkg/fingerprint"
)

// listID identifies which ARC list an entry currently sits on.
type listID int

const (
	listT1 listID = iota // resident, seen once recently
	listT2               // resident, seen at least twice
	listB1               // ghost of T1
	listB2               // ghost of T2
)

// arcEntry is one tracked fingerprint. Resident entries carry the
// body; ghosts carry only the prior size.
type arcEntry struct {
	fp         fingerprint.Fingerprint
	data       []byte
	size       int64
	insertedAt time.Time
	lastAccess time.Time
	where      listID
	elem       *list.Element
}

// ARC is the in-memory tier's eviction engine: four lists (T1, T2
// resident; B1, B2 ghost) and a self-tuning target p, all measured in
// bytes. A single mutex guards the lists; operations are O(1) amortized
// and never copy bodies while holding it.
type ARC struct {
	mu sync.Mutex

	c int64 // resident byte budget
	p int64 // adaptive target for T1, bytes, clamped to [0, c]

	t1, t2, b1, b2 *list.List // MRU at Front
	entries        map[string]*arcEntry

	t1Bytes, t2Bytes int64
	b1Bytes, b2Bytes int64

	stats Stats
	now   func() time.Time
}

// NewARC creates an ARC with the given resident byte budget.
func NewARC(budgetBytes int64) *ARC {
	return &ARC{
		c:       budgetBytes,
		t1:      list.New(),
		t2:      list.New(),
		b1:      list.New(),
		b2:      list.New(),
		entries: make(map[string]*arcEntry),
		now:     time.Now,
	}
}

// Lookup returns the body on a resident hit. A T1 hit promotes the
// entry to T2 (recent becomes frequent); a T2 hit refreshes recency.
// On a miss the caller decides whether to fetch and Admit.
func (a *ARC) Lookup(fp fingerprint.Fingerprint) ([]byte, bool) {
	a.mu.Lock()

	e, ok := a.entries[fp.Key()]
	if !ok || (e.where != listT1 && e.where != listT2) {
		a.stats.Misses++
		a.mu.Unlock()
		return nil, false
	}

	if e.where == listT1 {
		a.t1.Remove(e.elem)
		a.t1Bytes -= e.size
		e.elem = a.t2.PushFront(e)
		e.where = listT2
		a.t2Bytes += e.size
	} else {
		a.t2.MoveToFront(e.elem)
	}
	e.lastAccess = a.now()
	a.stats.Hits++
	data := e.data
	a.mu.Unlock()

	// Bodies are immutable; returning the slice after unlocking is safe.
	return data, true
}

// Contains reports residency without disturbing recency.
func (a *ARC) Contains(fp fingerprint.Fingerprint) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[fp.Key()]
	return ok && (e.where == listT1 || e.where == listT2)
}

// Admit inserts a body after a miss. Admission never fails: if the
// body alone exceeds the budget it is simply not cached.
func (a *ARC) Admit(fp fingerprint.Fingerprint, data []byte) {
	size := int64(len(data))
	if size > a.c || a.c <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := fp.Key()
	e, tracked := a.entries[key]

	if tracked {
		switch e.where {
		case listT1, listT2:
			// Already resident; nothing to admit.
			return
		case listB1:
			a.admitGhostHit(e, data, size, false)
			return
		case listB2:
			a.admitGhostHit(e, data, size, true)
			return
		}
	}

	// Cold miss. Make resident room (demotions feed the ghost lists),
	// then bound total retention at 2c by forgetting the oldest
	// ghosts, then place in T1 MRU.
	for a.t1Bytes+a.t2Bytes+size > a.c {
		if !a.replace(false) {
			break
		}
	}
	for a.t1Bytes+a.t2Bytes+a.b1Bytes+a.b2Bytes+size > 2*a.c {
		if a.b2.Len() > 0 {
			a.dropGhostLRU(a.b2, &a.b2Bytes)
		} else if a.b1.Len() > 0 {
			a.dropGhostLRU(a.b1, &a.b1Bytes)
		} else {
			break
		}
	}

	ne := &arcEntry{
		fp:         fp,
		data:       data,
		size:       size,
		insertedAt: a.now(),
		lastAccess: a.now(),
		where:      listT1,
	}
	ne.elem = a.t1.PushFront(ne)
	a.t1Bytes += size
	a.entries[key] = ne
	a.stats.Insertions++
}

// admitGhostHit handles readmission of a recently evicted fingerprint.
// B1 hits grow p (favor recency), B2 hits shrink it (favor frequency);
// the adjustment is scaled by the opposing ghost list's weight, at
// least one item's worth of bytes either way.
func (a *ARC) admitGhostHit(e *arcEntry, data []byte, size int64, inB2 bool) {
	if inB2 {
		delta := size
		if a.b2Bytes > 0 && a.b1Bytes > a.b2Bytes {
			delta = size * (a.b1Bytes / a.b2Bytes)
		}
		a.p -= delta
		if a.p < 0 {
			a.p = 0
		}
		a.b2.Remove(e.elem)
		a.b2Bytes -= e.size
	} else {
		delta := size
		if a.b1Bytes > 0 && a.b2Bytes > a.b1Bytes {
			delta = size * (a.b2Bytes / a.b1Bytes)
		}
		a.p += delta
		if a.p > a.c {
			a.p = a.c
		}
		a.b1.Remove(e.elem)
		a.b1Bytes -= e.size
	}

	for a.t1Bytes+a.t2Bytes+size > a.c {
		if !a.replace(inB2) {
			break
		}
	}

	e.data = data
	e.size = size
	e.insertedAt = a.now()
	e.lastAccess = a.now()
	e.where = listT2
	e.elem = a.t2.PushFront(e)
	a.t2Bytes += size
	a.stats.Insertions++
	a.stats.GhostHits++
}

// replace demotes one resident entry to the appropriate ghost list,
// discarding its body. Reports false when nothing could be demoted.
func (a *ARC) replace(inB2 bool) bool {
	fromT1 := a.t1.Len() > 0 &&
		(a.t1Bytes > a.p || (inB2 && a.t1Bytes == a.p) || a.t2.Len() == 0)

	if fromT1 {
		return a.demote(a.t1, &a.t1Bytes, a.b1, &a.b1Bytes)
	}
	if a.t2.Len() > 0 {
		return a.demote(a.t2, &a.t2Bytes, a.b2, &a.b2Bytes)
	}
	if a.t1.Len() > 0 {
		return a.demote(a.t1, &a.t1Bytes, a.b1, &a.b1Bytes)
	}
	return false
}

// demote moves the LRU of a resident list to the MRU of its ghost
// list. The ghost keeps only the prior size.
func (a *ARC) demote(from *list.List, fromBytes *int64, to *list.List, toBytes *int64) bool {
	back := from.Back()
	if back == nil {
		return false
	}
	e := back.Value.(*arcEntry)
	from.Remove(back)
	*fromBytes -= e.size

	e.data = nil
	if to == a.b1 {
		e.where = listB1
	} else {
		e.where = listB2
	}
	e.elem = to.PushFront(e)
	*toBytes += e.size
	a.stats.Evictions++
	return true
}

// dropGhostLRU forgets the oldest ghost entirely.
func (a *ARC) dropGhostLRU(ghosts *list.List, ghostBytes *int64) {
	back := ghosts.Back()
	if back == nil {
		return
	}
	e := back.Value.(*arcEntry)
	ghosts.Remove(back)
	*ghostBytes -= e.size
	delete(a.entries, e.fp.Key())
}

// Remove drops a fingerprint from both resident and ghost state.
func (a *ARC) Remove(fp fingerprint.Fingerprint) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[fp.Key()]
	if !ok {
		return
	}
	switch e.where {
	case listT1:
		a.t1.Remove(e.elem)
		a.t1Bytes -= e.size
	case listT2:
		a.t2.Remove(e.elem)
		a.t2Bytes -= e.size
	case listB1:
		a.b1.Remove(e.elem)
		a.b1Bytes -= e.size
	case listB2:
		a.b2.Remove(e.elem)
		a.b2Bytes -= e.size
	}
	delete(a.entries, fp.Key())
}

// ResidentBytes returns the bytes held by T1 and T2.
func (a *ARC) ResidentBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t1Bytes + a.t2Bytes
}

// TargetP returns the adaptive target, for tests and diagnostics.
func (a *ARC) TargetP() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.p
}

// ListSizes returns the per-list byte totals (T1, T2, B1, B2).
func (a *ARC) ListSizes() (int64, int64, int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t1Bytes, a.t2Bytes, a.b1Bytes, a.b2Bytes
}

// Stats returns a copy of the running counters.
func (a *ARC) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Len returns the number of resident entries.
func (a *ARC) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t1.Len() + a.t2.Len()
}
