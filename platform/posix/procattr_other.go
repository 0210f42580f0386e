//go:build !unix

package posix

import (
	"errors"
	"syscall"
)

func detachedAttr() *syscall.SysProcAttr { return nil }

func signalGroup(int, syscall.Signal) error {
	return errors.New("process groups are not supported on this platform")
}
