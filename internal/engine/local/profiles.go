package local

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ProfileStore keeps each identity's browser user-data directory as a
// tar.gz archive under one base path.
type ProfileStore struct {
	storePath string
	workPath  string
}

// NewProfileStore creates the archive and working directories if needed
func NewProfileStore(storePath, workPath string) (*ProfileStore, error) {
	// Working directories are bind-mounted, so they must be absolute
	absStore, err := filepath.Abs(storePath)
	if err != nil {
		return nil, err
	}
	absWork, err := filepath.Abs(workPath)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{absStore, absWork} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create profile directory: %w", err)
		}
	}
	return &ProfileStore{storePath: absStore, workPath: absWork}, nil
}

// Create registers a profile. The profile id is the name, so creating the
// same name twice yields the same profile.
func (p *ProfileStore) Create(name string) (string, error) {
	if !profileNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid profile name %q", name)
	}
	marker := filepath.Join(p.storePath, name+".profile")
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create profile %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return name, nil
}

// Exists reports whether the profile was created
func (p *ProfileStore) Exists(id string) bool {
	if !profileNamePattern.MatchString(id) {
		return false
	}
	_, err := os.Stat(filepath.Join(p.storePath, id+".profile"))
	return err == nil
}

func (p *ProfileStore) archivePath(id string) string {
	return filepath.Join(p.storePath, id+".tar.gz")
}

// Checkout extracts the profile's saved data into a fresh working directory
// and returns its path. A profile without saved data yields an empty one.
func (p *ProfileStore) Checkout(id, sessionID string) (string, error) {
	if !p.Exists(id) {
		return "", fmt.Errorf("profile %s not found", id)
	}

	dir := filepath.Join(p.workPath, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}

	archive := p.archivePath(id)
	if _, err := os.Stat(archive); os.IsNotExist(err) {
		return dir, nil
	}
	if err := extractDirectory(archive, dir); err != nil {
		return "", fmt.Errorf("failed to extract profile %s: %w", id, err)
	}
	return dir, nil
}

// Save archives userDataDir as the profile's persisted state, replacing
// whatever was saved before.
func (p *ProfileStore) Save(id, userDataDir string) error {
	if !p.Exists(id) {
		return fmt.Errorf("profile %s not found", id)
	}

	tmp := p.archivePath(id) + ".tmp"
	if err := compressDirectory(userDataDir, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to compress profile %s: %w", id, err)
	}
	return os.Rename(tmp, p.archivePath(id))
}

// Release removes a session's working directory
func (p *ProfileStore) Release(sessionID string) error {
	return os.RemoveAll(filepath.Join(p.workPath, sessionID))
}

// compressDirectory creates a tar.gz archive of a directory
func compressDirectory(source, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// Chrome leaves lock symlinks behind; they are meaningless on restore
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tarWriter, f)
		return err
	})
}

// extractDirectory extracts a tar.gz archive to a directory
func extractDirectory(source, target string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	root := filepath.Clean(target) + string(os.PathSeparator)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		targetPath := filepath.Join(target, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(targetPath, root) {
			return fmt.Errorf("archive entry %q escapes target directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			if err := outFile.Close(); err != nil {
				return err
			}
		}
	}
}
