package filestorage

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// adviseRandomAccess turns off kernel read-ahead for the first length bytes of the file.
func adviseRandomAccess(f *os.File, length int64) error {
	err := unix.Fadvise(int(f.Fd()), 0, length, unix.FADV_RANDOM)
	return errors.Wrapf(err, "fadvise %s", f.Name())
}
