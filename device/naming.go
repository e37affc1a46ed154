package device

import (
	"fmt"
	"sort"
)

const (
	drivePrefix = "vd"

	// DISK_NAME_LEN in include/linux/blkdev.h.
	diskNameLen = 32
)

// DriveName returns the virtio-blk disk name Linux gives the drive at index,
// following virtblk_name_format in drivers/block/virtio_blk.c.
func DriveName(index int) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("%w: negative index %d", errIndexNotSupported, index)
	}

	const base = 26

	var letters []byte

	for len(letters) < diskNameLen-len(drivePrefix) && index >= 0 {
		letters = append(letters, byte('a'+index%base))
		index = index/base - 1
	}

	if index >= 0 {
		return "", fmt.Errorf("%w: %d", errIndexNotSupported, index)
	}

	for i, j := 0, len(letters)-1; i < j; i, j = i+1, j-1 {
		letters[i], letters[j] = letters[j], letters[i]
	}

	return drivePrefix + string(letters), nil
}

// indexPool hands out block indexes. Index 0 is the boot disk, so the pool
// starts at 1 and reuses released indexes lowest first.
type indexPool struct {
	next     uint64
	released []uint64
}

func newIndexPool() *indexPool {
	return &indexPool{next: 1}
}

func (p *indexPool) declare() uint64 {
	if len(p.released) > 0 {
		i := p.released[0]
		p.released = p.released[1:]

		return i
	}

	i := p.next
	p.next++

	return i
}

func (p *indexPool) release(i uint64) {
	if i == 0 {
		return
	}

	for _, r := range p.released {
		if r == i {
			return
		}
	}

	p.released = append(p.released, i)
	sort.Slice(p.released, func(a, b int) bool { return p.released[a] < p.released[b] })
}
