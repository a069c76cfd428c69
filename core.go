package intmap

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

const (
	// nullValue marks a value slot with no value present yet.
	nullValue int32 = 0

	// delValue is the tombstone sentinel for a logically removed key.
	delValue int32 = math.MaxInt32

	// stolenValue marks a value slot whose live value has finished
	// migrating to the successor core.
	stolenValue int32 = math.MinInt32

	// magic is the 32-bit golden-ratio multiplier used to spread keys
	// across a core's slots.
	magic uint32 = 0x9E3779B9

	// maxProbes bounds how many slots a single probe chain may visit
	// before a core declares itself overfull.
	maxProbes = 8
)

// errNeedsRehash is returned internally by a core when its probe budget is
// exhausted. It never escapes the package: Map.mutate absorbs it, migrates
// the core forward, and retries against the successor.
var errNeedsRehash = errors.New("intmap: probe budget exhausted")

// core is one fixed-capacity open-addressed table in the forward chain.
// pairs holds capacity key/value pairs back to back: pairs[2*i] is a key
// (0 when empty), pairs[2*i+1] is the value slot. A value slot holds 0 (no
// value yet), a live positive value, delValue (tombstone), a negated live
// value (mid-migration), or stolenValue (migrated to the successor).
type core struct {
	//lint:ignore U1000 prevents false sharing with neighboring cores and
	// with the Map's current-core pointer.
	pad [(cacheLineSize - unsafe.Sizeof(struct {
		pairs []int32
		shift uint32
		succ  unsafe.Pointer
	}{})%cacheLineSize) % cacheLineSize]byte

	pairs []int32
	shift uint32
	succ  atomic.Pointer[core]
}

// newCore allocates a core with room for capacity pairs. capacity must be a
// power of two.
func newCore(capacity int) *core {
	if capacity < 1 {
		capacity = 1
	}
	n := bits.TrailingZeros32(uint32(capacity))
	return &core{
		pairs: make([]int32, 2*capacity),
		shift: uint32(32 - n),
	}
}

// indexOf returns the key-slot index for key's probe chain head.
func (c *core) indexOf(key int32) int {
	h := uint32(key) * magic
	return int(h>>c.shift) * 2
}

// prevPairIndex steps one pair backward, wrapping from 0 to the last pair.
func prevPairIndex(i, twoC int) int {
	if i == 0 {
		return twoC - 2
	}
	return i - 2
}

// ensureSuccessor returns this core's successor, allocating one of twice
// the capacity if none exists yet. Safe for concurrent callers: only one
// allocation is ever installed, via CompareAndSwap on succ.
func (c *core) ensureSuccessor() *core {
	if s := c.succ.Load(); s != nil {
		return s
	}
	candidate := newCore(len(c.pairs))
	if c.succ.CompareAndSwap(nil, candidate) {
		return candidate
	}
	return c.succ.Load()
}

// loadSuccessor returns this core's successor. Called only after observing
// a STOLEN value, at which point a successor is guaranteed to exist
// (invariant: STOLEN implies the pair is already installed there).
func (c *core) loadSuccessor() *core {
	s := c.succ.Load()
	if s == nil {
		panic("intmap: observed a STOLEN slot with no successor core")
	}
	return s
}

// getInternal looks up key within this core, tail-calling the successor
// chain as needed. Returns 0 if key is absent. The returned value is never
// a sentinel other than DEL (INT_MAX); callers at the Map boundary map DEL
// to 0 as well.
func (c *core) getInternal(key int32) int32 {
	twoC := len(c.pairs)
	i := c.indexOf(key)
	for probes := 0; probes < maxProbes; probes++ {
		k := atomic.LoadInt32(&c.pairs[i])
		if k == key {
			return c.resolveValue(i, key)
		}
		if k == nullValue {
			return 0
		}
		i = prevPairIndex(i, twoC)
	}
	return 0
}

// resolveValue reads the value half of a matched slot, helping complete any
// in-progress migration and following the forward pointer on STOLEN.
func (c *core) resolveValue(i int, key int32) int32 {
	for {
		v := atomic.LoadInt32(&c.pairs[i+1])
		switch {
		case v == stolenValue:
			return c.loadSuccessor().getInternal(key)
		case v < 0:
			c.completeCopy(i)
		default:
			return v
		}
	}
}

// locateOrClaim walks key's probe chain looking for an existing slot or an
// empty one to claim. newValue distinguishes put (claims on NULL_KEY) from
// remove (returns immediately on NULL_KEY, since there's nothing to
// tombstone). found is false only for the remove-on-absent-key shortcut.
func (c *core) locateOrClaim(key, newValue int32) (idx int, found bool, err error) {
	twoC := len(c.pairs)
	i := c.indexOf(key)
	for probes := 0; probes < maxProbes; {
		k := atomic.LoadInt32(&c.pairs[i])
		switch {
		case k == key:
			return i, true, nil
		case k == nullValue:
			if newValue == delValue {
				return 0, false, nil
			}
			if atomic.CompareAndSwapInt32(&c.pairs[i], nullValue, key) {
				return i, true, nil
			}
			// lost the race for this slot; re-read it without spending a probe step
		default:
			i = prevPairIndex(i, twoC)
			probes++
		}
	}
	return 0, false, errNeedsRehash
}

// claimSlot is locateOrClaim specialized for migration, which always wants
// a slot for a live key and never short-circuits on NULL_KEY.
func (c *core) claimSlot(key int32) (int, error) {
	twoC := len(c.pairs)
	i := c.indexOf(key)
	for probes := 0; probes < maxProbes; {
		k := atomic.LoadInt32(&c.pairs[i])
		switch {
		case k == key:
			return i, nil
		case k == nullValue:
			if atomic.CompareAndSwapInt32(&c.pairs[i], nullValue, key) {
				return i, nil
			}
		default:
			i = prevPairIndex(i, twoC)
			probes++
		}
	}
	return 0, errNeedsRehash
}

// installValue writes newValue into the slot located at key-index i,
// helping migrations and following STOLEN tail-calls along the way.
// Returns the previous value: 0 for a freshly claimed slot, DEL, or a live
// value; never a frozen or STOLEN sentinel.
func (c *core) installValue(i int, key, newValue int32) (int32, error) {
	for {
		v := atomic.LoadInt32(&c.pairs[i+1])
		switch {
		case v == stolenValue:
			return c.loadSuccessor().putInternal(key, newValue)
		case v < 0:
			c.completeCopy(i)
		default:
			if atomic.CompareAndSwapInt32(&c.pairs[i+1], v, newValue) {
				return v, nil
			}
		}
	}
}

// putInternal installs newValue for key (newValue == delValue for a
// remove), returning the previous value or the needs-rehash sentinel.
func (c *core) putInternal(key, newValue int32) (int32, error) {
	i, found, err := c.locateOrClaim(key, newValue)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return c.installValue(i, key, newValue)
}

// rehash migrates every live pair in c to its successor (allocating one if
// necessary) and returns the successor. Idempotent and helpable: any number
// of threads may call it concurrently on the same core.
func (c *core) rehash() *core {
	succ := c.ensureSuccessor()
	twoC := len(c.pairs)
outer:
	for i := 0; i < twoC; i += 2 {
		for {
			v := atomic.LoadInt32(&c.pairs[i+1])
			switch {
			case v == stolenValue:
				continue outer
			case v < 0:
				c.completeCopy(i)
			case v == nullValue || v == delValue:
				if atomic.CompareAndSwapInt32(&c.pairs[i+1], v, stolenValue) {
					continue outer
				}
			default:
				if atomic.CompareAndSwapInt32(&c.pairs[i+1], v, -v) {
					c.completeCopy(i)
				}
			}
		}
	}
	return succ
}

// completeCopy finishes migrating the pair at oldIndex to the successor
// core. Precondition: the key at oldIndex is positive and the value at
// oldIndex+1 is frozen (negative, not STOLEN) when the caller observed it;
// this call is a no-op if another thread already finished the job.
func (c *core) completeCopy(oldIndex int) {
	key := atomic.LoadInt32(&c.pairs[oldIndex])
	if key <= 0 {
		panic(fmt.Sprintf("intmap: migrating slot with non-positive key %d", key))
	}
	frozen := atomic.LoadInt32(&c.pairs[oldIndex+1])
	if frozen == stolenValue {
		return
	}
	v := -frozen
	if v == delValue {
		panic("intmap: attempted to migrate a deleted value as live")
	}

	succ := c.ensureSuccessor()
	idx, err := succ.claimSlot(key)
	for err != nil {
		succ = succ.rehash()
		idx, err = succ.claimSlot(key)
	}

	// A failed CAS here means a concurrent put on the successor already
	// installed a newer value for this key; that value wins, and the copy
	// still completes below.
	atomic.CompareAndSwapInt32(&succ.pairs[idx+1], nullValue, v)
	atomic.CompareAndSwapInt32(&c.pairs[oldIndex+1], frozen, stolenValue)
}
