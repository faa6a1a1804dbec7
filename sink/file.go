package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mathopoulos/hkextract"
)

// File writes each series as a JSON array to <Root>/<user>/<metric>.json.
// Files are replaced atomically: the series is written to a temporary file in
// the destination directory and renamed over the old one.
type File struct {
	Root string
}

func (f File) path(key hkextract.Key) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if f.Root == "" {
		return "", fmt.Errorf("%w: file sink has no root", ErrInvalidKey)
	}
	return filepath.Join(f.Root, key.User, key.Metric+".json"), nil
}

func (f File) Write(ctx context.Context, key hkextract.Key, series hkextract.Series) error {
	dst, err := f.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if series == nil {
		series = hkextract.Series{}
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriterSize(tmp, 64*1024)
	if err := json.NewEncoder(bw).Encode(series); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename to %s: %w", dst, err)
	}
	return nil
}

func (f File) Read(ctx context.Context, key hkextract.Key) (hkextract.Series, error) {
	src, err := f.path(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src, err)
	}
	var series hkextract.Series
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, fmt.Errorf("decode %s: %w", src, err)
	}
	return series, nil
}
