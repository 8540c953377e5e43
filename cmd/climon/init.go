package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/climon-dev/climon/internal/defaults"
)

// runInit initializes a Climon working directory with default files.
// It creates the directory structure and writes the bundled example
// config. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Climon workspace in %s\n", dir)

	// Create the base directory and the data subdirectory.
	dataPath := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataPath, err)
	}

	// Write the example config if none exists. 0600 because the file
	// may carry broker credentials.
	configPath := filepath.Join(dir, "climon.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit climon.yaml, then start the agent with 'climon serve'.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, reporting the outcome on w. This ensures init never
// overwrites user customizations.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, os.ErrExist) {
		fmt.Fprintf(w, "  - %s exists, skipping\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
