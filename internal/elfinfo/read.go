package elfinfo

import (
	"fmt"
	"os"
)

func readAll(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("elfinfo: read %s: %w", path, err)
	}
	return data, nil
}
