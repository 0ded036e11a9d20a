package archive

import (
	"bytes"
	"hash/adler32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdlerWriterMatchesReference(t *testing.T) {
	payload := bytes.Repeat([]byte("near-line data store "), 1000)

	var sink bytes.Buffer
	w := NewAdlerWriter(&sink)
	// Uneven chunks exercise the running update.
	for len(payload) > 0 {
		n := 313
		if n > len(payload) {
			n = len(payload)
		}
		_, err := w.Write(payload[:n])
		require.NoError(t, err)
		payload = payload[n:]
	}

	assert.Equal(t, adler32.Checksum(sink.Bytes()), w.Sum32())
}

func TestAdlerReaderMatchesWriter(t *testing.T) {
	payload := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 4096)

	var sink bytes.Buffer
	w := NewAdlerWriter(&sink)
	_, err := w.Write(payload)
	require.NoError(t, err)

	r := NewAdlerReader(bytes.NewReader(sink.Bytes()))
	read, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, payload, read)
	assert.Equal(t, w.Sum32(), r.Sum32())
}

func TestAdlerEmptyStream(t *testing.T) {
	w := NewAdlerWriter(io.Discard)
	assert.Equal(t, uint32(1), w.Sum32())
}
