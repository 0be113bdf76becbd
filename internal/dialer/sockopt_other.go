//go:build !linux

package dialer

import "errors"

var errUnsupportedOption = errors.New("socket option not supported on this platform")

func setFastOpenConnect(uintptr) error { return errUnsupportedOption }

func setReusePort(uintptr) error { return errUnsupportedOption }
