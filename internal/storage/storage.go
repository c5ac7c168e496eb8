// Package storage contains the interface for reading and writing pieces of the target file.
package storage

// Storage reads and writes whole pieces of a single file.
// Calls are synchronous. Implementations must be safe for concurrent use.
type Storage interface {
	// ReadPiece returns the bytes of the piece at index.
	ReadPiece(index uint32) ([]byte, error)
	// WritePiece writes data at the offset of the piece at index.
	WritePiece(index uint32, data []byte) error
	// Close releases the underlying file.
	Close() error
}
