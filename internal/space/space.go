// Package space guards the volumes downloads are written to.
package space

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

var (
	// ErrInsufficientSpace is returned when a volume cannot hold the bytes
	// about to be written.
	ErrInsufficientSpace = errors.New("insufficient space")
	// ErrDeviceNotFound is returned when the destination volume is missing,
	// typically an unmounted external drive.
	ErrDeviceNotFound = errors.New("device not found")
)

// Guard verifies free space before bytes are written.
type Guard struct {
	// reserve is kept free on every volume.
	reserve   int64
	available func(dir string) (int64, error)
}

// NewGuard returns a guard keeping reserve bytes free on each volume.
func NewGuard(reserve int64) *Guard {
	return &Guard{
		reserve:   reserve,
		available: availableBytes,
	}
}

// VerifySpace checks that the volume holding path exists and can take needed
// more bytes. path is either the destination directory or a file inside it.
// needed <= 0 only checks that the volume is present.
func (g *Guard) VerifySpace(path string, needed int64) error {
	dir, err := existingDir(path)
	if err != nil {
		return err
	}

	if needed <= 0 {
		return nil
	}

	avail, err := g.available(dir)
	if err != nil {
		return fmt.Errorf("failed to stat volume of %s: %w", dir, err)
	}

	if avail-g.reserve < needed {
		return fmt.Errorf("%w: need %s, %s available on %s",
			ErrInsufficientSpace, humanize.IBytes(uint64(needed)), humanize.IBytes(uint64(max(avail-g.reserve, 0))), dir)
	}

	return nil
}

func existingDir(path string) (string, error) {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return path, nil
	}

	dir := filepath.Dir(path)

	info, err = os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, dir)
		}

		return "", fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrDeviceNotFound, dir)
	}

	return dir, nil
}
