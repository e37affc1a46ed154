package device

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const sysDevPrefix = "/sys/dev"

// GenericConfig is a device request as it arrives from a container spec.
type GenericConfig struct {
	// ID overrides the derived identifier when set.
	ID string

	// ContainerPath is the path the consumer wants the device under.
	ContainerPath string

	// DevType is one of TypeBlock, TypeChar, TypeUChar or TypeFIFO.
	DevType string

	Major int64
	Minor int64

	// HostPath skips the sysfs lookup when set.
	HostPath string

	ReadOnly bool
}

// FromLinuxDevice converts an OCI device entry.
func FromLinuxDevice(d specs.LinuxDevice) GenericConfig {
	return GenericConfig{
		ContainerPath: d.Path,
		DevType:       d.Type,
		Major:         d.Major,
		Minor:         d.Minor,
	}
}

// LinuxDeviceFor describes the block device node or disk image at path as
// an OCI device entry. Device nodes carry their major and minor numbers.
func LinuxDeviceFor(path string) (specs.LinuxDevice, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return specs.LinuxDevice{}, &fs.PathError{Op: "stat", Path: path, Err: err}
	}

	d := specs.LinuxDevice{Path: path, Type: TypeBlock}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		d.Major = int64(unix.Major(uint64(st.Rdev)))
		d.Minor = int64(unix.Minor(uint64(st.Rdev)))
	case unix.S_IFREG:
	default:
		return specs.LinuxDevice{}, fmt.Errorf("%w: %s", errNotBlockDevice, path)
	}

	mode := fs.FileMode(st.Mode & 0o777)
	uid, gid := st.Uid, st.Gid
	d.FileMode, d.UID, d.GID = &mode, &uid, &gid

	return d, nil
}

// hostPath finds the device node on the host from its major and minor
// numbers. The path of the OCI device entry is the one the container sees.
func hostPath(sysDev string, cfg GenericConfig) (string, error) {
	if cfg.HostPath != "" {
		return cfg.HostPath, nil
	}

	if cfg.ContainerPath == "" {
		return "", errEmptyPath
	}

	var comp string

	switch cfg.DevType {
	case TypeChar, TypeUChar:
		comp = "char"
	case TypeBlock:
		comp = "block"
	default:
		return "", nil
	}

	uevent := filepath.Join(sysDev, comp, fmt.Sprintf("%d:%d", cfg.Major, cfg.Minor), "uevent")

	f, err := os.Open(uevent)
	if errors.Is(err, fs.ErrNotExist) {
		// Some devices (e.g. /dev/fuse) have no sysfs entry; keep the
		// configured path.
		return cfg.ContainerPath, nil
	}

	if err != nil {
		return "", err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(s.Text()), "=")
		if ok && k == "DEVNAME" && v != "" {
			return "/dev/" + v, nil
		}
	}

	if err := s.Err(); err != nil {
		return "", err
	}

	return "", fmt.Errorf("%w: %s", errNoDevName, uevent)
}
