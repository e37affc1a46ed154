package memory

import (
	"fmt"
	"io"
)

// Slice returns the host view of [gpa, gpa+n) when the range lies inside a
// single RAM region.
func (m *Manager) Slice(gpa, n uint64) ([]byte, error) {
	r, err := m.Translate(gpa)
	if err != nil {
		return nil, err
	}

	if r.Type != RAM {
		return nil, fmt.Errorf("%w: %#x is in %s", ErrAddressNotMapped, gpa, r)
	}

	off := gpa - r.Start
	if n > r.Size-off {
		return nil, fmt.Errorf("%w: %#x+%#x crosses the end of %s", ErrAddressNotMapped, gpa, n, r.ID)
	}

	return r.Host[off : off+n], nil
}

// ReadAt copies guest RAM starting at guest-physical address off into p.
func (m *Manager) ReadAt(p []byte, off int64) (int, error) {
	return m.access(p, off, false)
}

// WriteAt copies p into guest RAM starting at guest-physical address off.
func (m *Manager) WriteAt(p []byte, off int64) (int, error) {
	return m.access(p, off, true)
}

func (m *Manager) access(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrAddressNotMapped)
	}

	done := 0
	gpa := uint64(off)

	for done < len(p) {
		r, err := m.Translate(gpa)
		if err != nil {
			return done, err
		}

		if r.Type != RAM {
			return done, fmt.Errorf("%w: %#x is in %s", ErrAddressNotMapped, gpa, r)
		}

		host := r.Host[gpa-r.Start:]

		var n int
		if write {
			n = copy(host, p[done:])
		} else {
			n = copy(p[done:], host)
		}

		done += n
		gpa += uint64(n)
	}

	return done, nil
}

var (
	_ io.ReaderAt = (*Manager)(nil)
	_ io.WriterAt = (*Manager)(nil)
)
