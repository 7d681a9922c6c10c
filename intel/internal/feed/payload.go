package feed

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/charmap"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Source is raw feed content that can be probed before parsing.
type Source interface {
	io.ReaderAt
	io.ReadSeekCloser
}

// Unwrap returns the first entry of a zip archive, the decompressed stream
// of a gzip file, or src itself. Closing the result closes src.
func Unwrap(src Source) (io.ReadCloser, error) {
	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	if zr, err := zip.NewReader(src, size); err == nil && len(zr.File) > 0 {
		entry, err := zr.File[0].Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %s: %w", zr.File[0].Name, err)
		}
		return &payload{Reader: entry, closers: []io.Closer{entry, src}}, nil
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	header := make([]byte, len(gzipMagic))
	n, err := io.ReadFull(src, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if n == len(gzipMagic) && bytes.Equal(header, gzipMagic) {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return &payload{Reader: gz, closers: []io.Closer{gz, src}}, nil
	}
	return src, nil
}

// Decode reads r as ISO-8859-1 so that every byte maps to a rune and
// non-UTF-8 content never aborts parsing.
func Decode(r io.ReadCloser) io.ReadCloser {
	return &payload{
		Reader:  charmap.ISO8859_1.NewDecoder().Reader(r),
		closers: []io.Closer{r},
	}
}

type payload struct {
	io.Reader
	closers []io.Closer
}

func (p *payload) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
