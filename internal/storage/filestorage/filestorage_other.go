//go:build !linux

package filestorage

import "os"

func adviseRandomAccess(f *os.File, length int64) error {
	return nil
}
