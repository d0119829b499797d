package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/rowjay/snapshot-bridge/internal/snapshot"
)

const Extension = "zip"

// Archiver packages the metadata files of a snapshot working directory.
type Archiver struct {
	Filenames []string
}

func New() *Archiver {
	return &Archiver{Filenames: snapshot.MetadataFilenames}
}

// Archive writes <dir>/<snapshotID>.zip holding each listed file present in
// dir, in list order. Absent files are skipped. The caller owns the result.
func (a *Archiver) Archive(snapshotID, dir string) (string, error) {
	target := filepath.Join(dir, snapshotID+"."+Extension)
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	for _, name := range a.Filenames {
		if err := addFile(zw, dir, name); err != nil {
			_ = zw.Close()
			_ = out.Close()
			_ = os.Remove(target)
			return "", fmt.Errorf("archive %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return target, nil
}

func addFile(zw *zip.Writer, dir, name string) error {
	src, err := os.Open(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
