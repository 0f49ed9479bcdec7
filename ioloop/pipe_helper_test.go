package ioloop

import (
	"os"
	"testing"
)

func osPipe(t *testing.T) (*os.File, *os.File, error) {
	t.Helper()
	return osPipeImpl()
}

func osPipeImpl() (*os.File, *os.File, error) {
	r, w, err := os.Pipe()
	return r, w, err
}
