package grammar

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// Save writes the grammar to path in the input file format, dropping rules
// whose probability is exactly zero. It writes to a temporary file in the
// same directory and renames on success, so a crash never leaves a truncated
// grammar behind.
func (g *Grammar) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp grammar file: %w", err)
	}

	w := bufio.NewWriter(f)
	g.write(w, true)
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing grammar: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing grammar file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming grammar file: %w", err)
	}
	return nil
}
