package utils

import (
	"os"
)

// CreateFolder creates the directory (and parents) if it does not exist.
func CreateFolder(folderPath string) error {
	return os.MkdirAll(folderPath, 0o755)
}
