package btforensics

import (
	"fmt"
	"io"
	"os"
)

// ReadFile reads the torrent file at filename and extracts its piece table and layout.
func ReadFile(filename string) (*Metadata, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: read torrent file %s: %v", ErrIO, filename, err)
	}

	meta, err := ReadFileFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("torrent file %s: %w", filename, err)
	}

	return meta, nil
}

func ReadFileFromBytes(data []byte) (*Metadata, error) {
	return Extract(data)
}

// WriteBlob writes the assembled content, filler included, to filename.
func WriteBlob(filename string, content *AssembledContent) error {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return writeBlob(file, filename, content.Data)
}

// writeBlob writes data to w and closes it. A failed close is reported if the write succeeded.
func writeBlob(w io.WriteCloser, filename string, data []byte) (err error) {
	defer func() {
		if closeErr := w.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: close blob file %s: %v", ErrIO, filename, closeErr)
		}
	}()

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: write blob to file %s: %v", ErrIO, filename, err)
	}

	return nil
}
