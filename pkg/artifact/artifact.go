package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"gopkg.in/yaml.v3"

	"github.com/jrepp/prism-harness/pkg/deployerr"
)

// ExecutableArtifact is a packaged bundle sitting in the builder's scratch space
type ExecutableArtifact struct {
	// Logical name, also used for diagnostic exports
	Name string

	Descriptor Descriptor

	path   string
	logger *slog.Logger
}

// ScratchPath returns where the packaged bytes live until Remove is called
func (a *ExecutableArtifact) ScratchPath() string {
	return a.path
}

// Export copies the bundle to dest. With overwrite an existing destination is
// replaced, so exporting twice to the same path yields the same file. Without
// overwrite an existing destination is a packaging error.
func (a *ExecutableArtifact) Export(dest string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return deployerr.ErrPackaging(a.Name, fmt.Errorf("export destination %s already exists", dest)).
				WithSuggestion("Remove the existing file or export with overwrite")
		} else if !errors.Is(err, fs.ErrNotExist) {
			return deployerr.ErrPackaging(a.Name, err)
		}
	}

	if err := copyFile(a.path, dest); err != nil {
		return deployerr.ErrPackaging(a.Name, fmt.Errorf("export to %s: %w", dest, err))
	}

	a.logger.Debug("exported bundle", "name", a.Name, "destination", dest)
	return nil
}

// Remove deletes the scratch copy. Exported copies are untouched.
func (a *ExecutableArtifact) Remove() error {
	if err := os.Remove(a.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// Staged next to dest and renamed into place once complete
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// ReadDescriptor opens a bundle and decodes its descriptor
func ReadDescriptor(bundle string) (*Descriptor, error) {
	zr, err := zip.OpenReader(bundle)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != DescriptorPath {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open descriptor: %w", err)
		}
		defer rc.Close()

		var desc Descriptor
		if err := yaml.NewDecoder(rc).Decode(&desc); err != nil {
			return nil, fmt.Errorf("decode descriptor: %w", err)
		}
		return &desc, nil
	}
	return nil, fmt.Errorf("bundle %s has no %s", bundle, DescriptorPath)
}
