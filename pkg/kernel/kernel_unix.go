//go:build linux || freebsd || openbsd || darwin || netbsd || dragonfly
// +build linux freebsd openbsd darwin netbsd dragonfly

// Package kernel reports the host kernel release string for startup
// diagnostics. It has no bearing on protocol behaviour — the mesh treats
// the OS scheduler, clock and radio as external collaborators (spec §1) —
// it only helps an operator correlate a node's logs with its host.
package kernel

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// Release returns the running kernel's release string, e.g. "6.8.0-generic".
func Release() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(bytes.Trim(uts.Release[:], "\x00")), nil
}
