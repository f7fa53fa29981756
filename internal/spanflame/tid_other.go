//go:build !linux

package spanflame

import "os"

// Without a portable thread id the process id is the best available label.
func currentThreadID() int {
	return os.Getpid()
}
