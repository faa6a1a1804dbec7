package source

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/mathopoulos/hkextract"
)

// ExportEntry is the name of the document inside Apple's export.zip.
const ExportEntry = "export.xml"

// File opens exports on the local file system. Zip archives, as produced by
// the Health app, are read in place: the export.xml entry is streamed without
// extracting the archive.
type File struct{}

func (File) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.EqualFold(path.Ext(location), ".zip") {
		return openZip(location)
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hkextract.ErrSourceUnavailable, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", hkextract.ErrSourceUnavailable, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", hkextract.ErrSourceUnavailable, location)
	}
	return sized{ReadCloser: f, size: info.Size()}, nil
}

type zipEntry struct {
	io.ReadCloser
	archive *zip.ReadCloser
	size    int64
}

func (z zipEntry) Size() int64 { return z.size }

func (z zipEntry) Close() error {
	err := z.ReadCloser.Close()
	if cerr := z.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func openZip(location string) (io.ReadCloser, error) {
	zr, err := zip.OpenReader(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hkextract.ErrSourceUnavailable, err)
	}
	for _, f := range zr.File {
		if path.Base(f.Name) != ExportEntry || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			zr.Close()
			return nil, fmt.Errorf("%w: %s: %w", hkextract.ErrSourceUnavailable, f.Name, err)
		}
		return zipEntry{ReadCloser: rc, archive: zr, size: int64(f.UncompressedSize64)}, nil
	}
	zr.Close()
	return nil, fmt.Errorf("%w: %s has no %s", hkextract.ErrSourceUnavailable, location, ExportEntry)
}
