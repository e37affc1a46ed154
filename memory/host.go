package memory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapHost maps size bytes of host memory according to backing.
func mapHost(size uint64, backing BackingType, path string) ([]byte, error) {
	switch backing {
	case Shmem:
		fd, err := unix.MemfdCreate("kvmbox-guest-ram", unix.MFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("memfd_create: %w", err)
		}
		defer unix.Close(fd)

		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			return nil, fmt.Errorf("ftruncate memfd: %w", err)
		}

		return mmapFd(fd, size)
	case Hugetlbfs:
		f, err := openHugetlbfs(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("truncate %s: %w", f.Name(), err)
		}

		return mmapFd(int(f.Fd()), size)
	case Anon:
		b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
		if err != nil {
			return nil, fmt.Errorf("mmap anonymous: %w", err)
		}

		if err := unix.Madvise(b, unix.MADV_DONTFORK); err != nil {
			_ = unix.Munmap(b)

			return nil, fmt.Errorf("madvise: %w", err)
		}

		return b, nil
	}

	return nil, fmt.Errorf("%w: %d", errUnknownBacking, backing)
}

func mmapFd(fd int, size uint64) ([]byte, error) {
	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return b, nil
}

// openHugetlbfs opens path, or an unlinked temporary file when path is a
// directory on the hugetlbfs mount.
func openHugetlbfs(path string) (*os.File, error) {
	st, err := os.Stat(path)
	if err == nil && st.IsDir() {
		f, err := os.CreateTemp(path, "kvmbox-ram-")
		if err != nil {
			return nil, err
		}

		if err := os.Remove(f.Name()); err != nil {
			f.Close()

			return nil, err
		}

		return f, nil
	}

	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
}

func unmapHost(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	return unix.Munmap(b)
}

func isDir(path string) bool {
	st, err := os.Stat(path)

	return err == nil && st.IsDir()
}
