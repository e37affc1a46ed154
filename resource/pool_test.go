package resource_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/kvmbox/kvmbox/resource"
)

func TestAllocateFirstFit(t *testing.T) {
	t.Parallel()

	p := resource.NewPool(resource.PIO, resource.NewRange(0x1000, 0x1fff))

	for _, tt := range []struct {
		size, align uint64
		expected    uint64
	}{
		{size: 0x10, align: 0, expected: 0x1000},
		{size: 0x8, align: 0x100, expected: 0x1100},
		{size: 0x4, align: 4, expected: 0x1010},
	} {
		actual, err := p.Allocate(resource.Constraint{Size: tt.size, Align: tt.align})
		if err != nil {
			t.Fatal(err)
		}

		if actual.Base != tt.expected || actual.Size != tt.size {
			t.Fatalf("expected: %#x, actual: %s", tt.expected, actual)
		}
	}
}

func TestAllocateExhausted(t *testing.T) {
	t.Parallel()

	p := resource.NewPool(resource.LegacyIRQ, resource.NewRange(6, 7))

	for i := 0; i < 2; i++ {
		if _, err := p.Allocate(resource.Constraint{Size: 1}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := p.Allocate(resource.Constraint{Size: 1}); !errors.Is(err, resource.ErrResourceExhausted) {
		t.Fatalf("expected: %v, actual: %v", resource.ErrResourceExhausted, err)
	}
}

func TestAllocateInvalidConstraint(t *testing.T) {
	t.Parallel()

	p := resource.NewPool(resource.MMIO, resource.NewRange(0, 0xffff))

	for _, c := range []resource.Constraint{
		{Size: 0},
		{Size: 0x10, Align: 3},
	} {
		if _, err := p.Allocate(c); !errors.Is(err, resource.ErrInvalidConstraint) {
			t.Fatalf("expected: %v, actual: %v", resource.ErrInvalidConstraint, err)
		}
	}
}

func TestAllocateFixed(t *testing.T) {
	t.Parallel()

	p := resource.NewPool(resource.MemSlot, resource.Range{Base: 0, Size: 8})

	r, err := p.Allocate(resource.Fixed(0))
	if err != nil {
		t.Fatal(err)
	}

	if r.Base != 0 {
		t.Fatalf("expected: 0, actual: %d", r.Base)
	}

	if _, err := p.Allocate(resource.Fixed(0)); !errors.Is(err, resource.ErrResourceExhausted) {
		t.Fatalf("expected: %v, actual: %v", resource.ErrResourceExhausted, err)
	}

	r, err = p.Allocate(resource.Fixed(5))
	if err != nil {
		t.Fatal(err)
	}

	if r.Base != 5 {
		t.Fatalf("expected: 5, actual: %d", r.Base)
	}
}

func TestReleaseInvalid(t *testing.T) {
	t.Parallel()

	p := resource.NewPool(resource.MMIO, resource.NewRange(0x1000, 0xffff))

	r, err := p.Allocate(resource.Constraint{Size: 0x100})
	if err != nil {
		t.Fatal(err)
	}

	for _, bad := range []resource.Range{
		{Base: 0x8000, Size: 0x100},
		{Base: r.Base, Size: 0x80},
		{Base: r.Base, Size: 0x200},
		{Base: r.Base + 0x10, Size: 0x10},
	} {
		if err := p.Release(bad); !errors.Is(err, resource.ErrInvalidRelease) {
			t.Fatalf("release %s: expected: %v, actual: %v", bad, resource.ErrInvalidRelease, err)
		}
	}

	if err := p.Release(r); err != nil {
		t.Fatal(err)
	}

	if err := p.Release(r); !errors.Is(err, resource.ErrInvalidRelease) {
		t.Fatalf("expected: %v, actual: %v", resource.ErrInvalidRelease, err)
	}
}

func TestReleaseCoalesces(t *testing.T) {
	t.Parallel()

	span := resource.NewRange(0, 0x3ff)
	p := resource.NewPool(resource.Memory, span)

	var got []resource.Range

	for i := 0; i < 4; i++ {
		r, err := p.Allocate(resource.Constraint{Size: 0x100})
		if err != nil {
			t.Fatal(err)
		}

		got = append(got, r)
	}

	for _, i := range []int{1, 3, 0, 2} {
		if err := p.Release(got[i]); err != nil {
			t.Fatal(err)
		}
	}

	free := p.Free()
	if len(free) != 1 || free[0] != span {
		t.Fatalf("expected: [%s], actual: %v", span, free)
	}
}

func TestLiveNeverOverlaps(t *testing.T) {
	t.Parallel()

	p := resource.NewPool(resource.MMIO, resource.NewRange(0x10000, 0x1ffff))
	rng := rand.New(rand.NewSource(1))

	var live []resource.Range

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			n := rng.Intn(len(live))
			if err := p.Release(live[n]); err != nil {
				t.Fatal(err)
			}

			live = append(live[:n], live[n+1:]...)
		} else {
			size := uint64(1) << rng.Intn(10)

			r, err := p.Allocate(resource.Constraint{Size: size, Align: size})
			if errors.Is(err, resource.ErrResourceExhausted) {
				continue
			}

			if err != nil {
				t.Fatal(err)
			}

			live = append(live, r)
		}

		actual := p.Live()
		for a := range actual {
			for b := a + 1; b < len(actual); b++ {
				if actual[a].Overlaps(actual[b]) {
					t.Fatalf("step %d: %s overlaps %s", i, actual[a], actual[b])
				}
			}
		}

		if len(actual) != len(live) {
			t.Fatalf("expected: %d live, actual: %d", len(live), len(actual))
		}
	}
}
