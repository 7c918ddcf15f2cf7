package store

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Backup writes a gzipped tar of the state files to w. The store lock is
// held for the duration so the archive is a consistent snapshot.
func (s *Store) Backup(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)

	for _, name := range []string{instancesFile, adminsFile, portsFile} {
		if err := addFile(tw, s.dir, name); err != nil {
			tw.Close()
			gz.Close()
			return fmt.Errorf("backup %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// BackupToDir writes a timestamped archive under dir and returns its path.
func (s *Store) BackupToDir(dir string) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("state-%s.tar.gz", time.Now().UTC().Format("20060102T150405Z")))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := s.Backup(f); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func addFile(tw *tar.Writer, dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}
