package bundle

import (
	"archive/tar"
	"bytes"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
)

// archiveFile is one entry of a package archive. Entry order is
// significant and preserved.
type archiveFile struct {
	name string
	mode int64
	data []byte
}

// buildArchive writes the files into a gzipped GNU tar. Everything that
// would vary between runs is pinned: entry order, epoch mtime, zero
// uid/gid, and the default gzip header with no name and no timestamp. The
// same inputs always produce byte-identical output.
func buildArchive(files []archiveFile) ([]byte, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, f := range files {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     f.name,
			Mode:     f.mode,
			Size:     int64(len(f.data)),
			ModTime:  time.Unix(0, 0),
			Format:   tar.FormatGNU,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing %s header: %w", f.name, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, fmt.Errorf("writing %s: %w", f.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finishing archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finishing compression: %w", err)
	}
	return buf.Bytes(), nil
}
