package archive

import (
	"hash"
	"hash/adler32"
	"io"
)

// AdlerAlgorithm names the digest recorded on aggregations.
const AdlerAlgorithm = "ADLER32"

// AdlerWriter digests every byte written through it.
type AdlerWriter struct {
	w io.Writer
	h hash.Hash32
}

// NewAdlerWriter wraps w.
func NewAdlerWriter(w io.Writer) *AdlerWriter {
	return &AdlerWriter{w: w, h: adler32.New()}
}

// Write updates the digest before handing the bytes on.
func (a *AdlerWriter) Write(p []byte) (int, error) {
	a.h.Write(p)
	return a.w.Write(p)
}

// Sum32 returns the running digest.
func (a *AdlerWriter) Sum32() uint32 {
	return a.h.Sum32()
}

// AdlerReader digests every byte read through it.
type AdlerReader struct {
	r io.Reader
	h hash.Hash32
}

// NewAdlerReader wraps r.
func NewAdlerReader(r io.Reader) *AdlerReader {
	return &AdlerReader{r: r, h: adler32.New()}
}

// Read hands bytes on and folds them into the digest.
func (a *AdlerReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.h.Write(p[:n])
	}
	return n, err
}

// Sum32 returns the running digest.
func (a *AdlerReader) Sum32() uint32 {
	return a.h.Sum32()
}
