//go:build !unix

package shm

import (
	"errors"
	"os"
)

var errUnsupportedPlatform = errors.New("shm: shared memory mapping unsupported on this platform")

func mapSegment(_ *os.File, _ int) ([]byte, error) {
	return nil, errUnsupportedPlatform
}

func unmapSegment(_ []byte) error {
	return errUnsupportedPlatform
}
