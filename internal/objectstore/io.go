package objectstore

import (
	"bytes"
	"io"
)

func bytesReader(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
