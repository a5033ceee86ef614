package record

import (
	"fmt"
	"os"
	"path/filepath"
)

// stage keeps in-progress files under <dir>/.staging until they are
// committed into <dir> with a rename.
type stage struct {
	baseDir     string
	stagingRoot string
}

func newStage(baseDir string) *stage {
	return &stage{
		baseDir:     baseDir,
		stagingRoot: filepath.Join(baseDir, ".staging"),
	}
}

func (s *stage) prepare() error {
	return os.MkdirAll(s.stagingRoot, 0750)
}

func (s *stage) stagingPath(name string) string {
	return filepath.Join(s.stagingRoot, name)
}

func (s *stage) finalPath(name string) string {
	return filepath.Join(s.baseDir, name)
}

// commit moves a staged file into the final directory.
func (s *stage) commit(name string) (string, error) {
	dest := s.finalPath(name)
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", fmt.Errorf("creating directories: %w", err)
	}
	if err := os.Rename(s.stagingPath(name), dest); err != nil {
		return "", fmt.Errorf("renaming staged file: %w", err)
	}
	return dest, nil
}

// discard removes a staged file.
func (s *stage) discard(name string) error {
	err := os.Remove(s.stagingPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
