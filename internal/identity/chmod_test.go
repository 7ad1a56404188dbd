package identity

import (
	"os"
	"runtime"
)

func chmodForTest(path string, mode os.FileMode) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	return os.Chmod(path, mode)
}
