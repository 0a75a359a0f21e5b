package sensor

import (
	"fmt"
	"os"
	"strings"
)

// FileInput reads a GPIO value file in the sysfs style: a file whose
// content is "1" when the cuvette blocks the photo interrupter.
type FileInput struct {
	path string
}

// NewFileInput creates a FileInput for the given value file.
func NewFileInput(path string) FileInput {
	return FileInput{path: path}
}

// Present reads the detector state.
func (f FileInput) Present() (bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, fmt.Errorf("reading presence input: %w", err)
	}
	return strings.TrimSpace(string(data)) == "1", nil
}
