package storage

import (
	"io"

	"github.com/opencontainers/go-digest"
)

// chunkSize is the fixed piece size fed to the multipart upload path. S3
// requires every part but the last to be at least 5 MiB; client streams make
// no such promise, so bodies are rebuffered to this size before upload.
const chunkSize = 6 * 1024 * 1024

// digestReader forwards reads from an underlying source unchanged while
// feeding every byte into a digester. The digester is owned exclusively by
// the reader; callers collect the digest and byte count once the stream is
// drained.
type digestReader struct {
	src      io.Reader
	digester digest.Digester
	n        int64
}

func newDigestReader(src io.Reader, algorithm digest.Algorithm) *digestReader {
	return &digestReader{
		src:      src,
		digester: algorithm.Digester(),
	}
}

func (dr *digestReader) Read(p []byte) (int, error) {
	n, err := dr.src.Read(p)
	if n > 0 {
		// Hash writes never fail.
		dr.digester.Hash().Write(p[:n])
		dr.n += int64(n)
	}
	return n, err
}

// Digest returns the digest of everything read so far.
func (dr *digestReader) Digest() digest.Digest {
	return dr.digester.Digest()
}

// BytesSeen returns how many bytes have flowed through the reader.
func (dr *digestReader) BytesSeen() int64 {
	return dr.n
}

// chunker rebuffers an arbitrary stream into pieces of exactly size bytes,
// except possibly the last. It keeps reading the source until a full piece
// is ready or EOF is seen, and emits the trailing partial piece on EOF.
type chunker struct {
	src  io.Reader
	buf  []byte
	done bool
}

func newChunker(src io.Reader, size int) *chunker {
	return &chunker{
		src: src,
		buf: make([]byte, size),
	}
}

// Next returns the next piece, valid until the following call. It returns
// io.EOF once the source is exhausted and every buffered byte has been
// emitted.
func (c *chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	n, err := io.ReadFull(c.src, c.buf)
	switch err {
	case nil:
		return c.buf, nil
	case io.ErrUnexpectedEOF:
		c.done = true
		return c.buf[:n], nil
	case io.EOF:
		c.done = true
		return nil, io.EOF
	default:
		c.done = true
		return nil, err
	}
}
