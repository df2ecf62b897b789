package frag

import (
	"fmt"
	"io"
	"os"
)

// ReadBlob reads a whole file for sending, refusing files larger than maxSize without reading
// them.
func ReadBlob(path string, maxSize int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > int64(maxSize) {
		return nil, fmt.Errorf("%w: %s is %d bytes, maximum is %d", ErrBlobTooLarge, path, info.Size(), maxSize)
	}
	// the size may change under us; the limit still holds
	data, err := io.ReadAll(io.LimitReader(f, int64(maxSize)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: %s grew past %d bytes", ErrBlobTooLarge, path, maxSize)
	}
	return data, nil
}
