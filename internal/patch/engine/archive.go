package engine

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// failureArchiveSuffix names the archive written for a failed file when
// failure archiving is enabled.
const failureArchiveSuffix = ".patch-failure.tar.gz"

// writeTarGz packs the named files into dstPath. Names are paths; entries
// are stored under prefix/<base name>. Missing files are skipped. The archive
// appears atomically.
func writeTarGz(dstPath, prefix string, files []string) error {
	files = append([]string(nil), files...)
	sort.Strings(files)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	tmp := dstPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, path := range files {
		if err := addTarFile(tw, prefix, path); err != nil {
			return fmt.Errorf("archive %s: %w", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dstPath)
}

func addTarFile(tw *tar.Writer, prefix, path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(filepath.Join(prefix, filepath.Base(path)))
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	r, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	_, err = io.Copy(tw, r)
	return err
}
