package resource

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

const btreeDegree = 8

func rangeLess(a, b Range) bool {
	return a.Base < b.Base
}

// Pool is a first-fit allocator over a set of disjoint ranges.
type Pool struct {
	kind Kind

	mu   sync.Mutex
	free *btree.BTreeG[Range]
	live map[uint64]Range
}

// NewPool returns a pool whose free set is the union of spans.
func NewPool(kind Kind, spans ...Range) *Pool {
	p := &Pool{
		kind: kind,
		free: btree.NewG(btreeDegree, rangeLess),
		live: make(map[uint64]Range),
	}

	for _, s := range spans {
		if s.Size == 0 {
			continue
		}

		p.insertFree(s)
	}

	return p
}

func (p *Pool) Kind() Kind {
	return p.kind
}

// Allocate carves the lowest range that fits c out of the free set.
func (p *Pool) Allocate(c Constraint) (Range, error) {
	if err := c.validate(); err != nil {
		return Range{}, err
	}

	align := c.Align
	if align == 0 {
		align = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		found  Range
		parent Range
		ok     bool
	)

	p.free.Ascend(func(f Range) bool {
		lo, hi := f.Base, f.Last()

		if c.Within != nil {
			if c.Within.Base > lo {
				lo = c.Within.Base
			}

			if c.Within.Last() < hi {
				hi = c.Within.Last()
			}

			if lo > hi {
				return c.Within.Last() > f.Last()
			}
		}

		start := (lo + align - 1) &^ (align - 1)
		if start < lo || start > hi {
			return true
		}

		if hi-start < c.Size-1 {
			return true
		}

		found = Range{Base: start, Size: c.Size}
		parent = f
		ok = true

		return false
	})

	if !ok {
		return Range{}, fmt.Errorf("%w: %s pool has no %#x bytes aligned to %#x",
			ErrResourceExhausted, p.kind, c.Size, align)
	}

	p.free.Delete(parent)

	if found.Base > parent.Base {
		p.free.ReplaceOrInsert(NewRange(parent.Base, found.Base-1))
	}

	if found.Last() < parent.Last() {
		p.free.ReplaceOrInsert(NewRange(found.Last()+1, parent.Last()))
	}

	p.live[found.Base] = found

	resourceLog.WithFields(logrus.Fields{
		"kind":  p.kind.String(),
		"range": found.String(),
	}).Trace("allocated")

	return found, nil
}

// Release returns r to the free set. r must equal a live allocation.
func (p *Pool) Release(r Range) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.live[r.Base]
	if !ok || l.Size != r.Size {
		return fmt.Errorf("%w: %s %s is not allocated", ErrInvalidRelease, p.kind, r)
	}

	delete(p.live, r.Base)
	p.insertFree(r)

	return nil
}

// insertFree adds r to the free set, merging it with adjacent free ranges.
func (p *Pool) insertFree(r Range) {
	var prev Range

	hasPrev := false

	p.free.DescendLessOrEqual(r, func(f Range) bool {
		prev, hasPrev = f, true

		return false
	})

	if hasPrev && prev.Last()+1 == r.Base {
		p.free.Delete(prev)
		r = NewRange(prev.Base, r.Last())
	}

	if r.Last() != ^uint64(0) {
		if next, ok := p.free.Get(Range{Base: r.Last() + 1}); ok {
			p.free.Delete(next)
			r = NewRange(r.Base, next.Last())
		}
	}

	p.free.ReplaceOrInsert(r)
}

// Live returns the live allocations sorted by base.
func (p *Pool) Live() []Range {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Range, 0, len(p.live))
	for _, r := range p.live {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })

	return out
}

func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.live)
}

// Free returns the free ranges sorted by base.
func (p *Pool) Free() []Range {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Range, 0, p.free.Len())

	p.free.Ascend(func(f Range) bool {
		out = append(out, f)

		return true
	})

	return out
}
