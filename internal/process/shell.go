package process

import (
	"os/exec"
	"runtime"
)

// shellCommand runs script through the platform shell. /bin/sh is named by
// absolute path so a replaced PATH in the worker env cannot shadow it.
func shellCommand(script string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		// #nosec G204
		return exec.Command("cmd", "/c", script)
	}
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}
