package wire

import (
	"bytes"
	"errors"
	"hash"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

const DefaultChunkSize = 1 << 20

var (
	ErrTransport  = errors.New("dstore: transport failure")
	ErrBadRequest = errors.New("dstore: malformed request")
)

func newDigest() hash.Hash {
	h, _ := blake2b.New256(nil) // only fails for keys over 64 bytes
	return h
}

// SendChunks streams the concatenation of payloads through send, at most
// chunkSize bytes per chunk, and returns the blake2b-256 digest of everything
// sent. A chunk never spans two payloads. send must not retain the slice.
func SendChunks(payloads [][]byte, chunkSize int, send func(chunk []byte) error) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	h := newDigest()
	for _, p := range payloads {
		for len(p) > 0 {
			n := min(chunkSize, len(p))
			h.Write(p[:n])
			if err := send(p[:n]); err != nil {
				return nil, err
			}
			p = p[n:]
		}
	}
	return h.Sum(nil), nil
}

// Assembler scatters a chunk stream into a fixed list of destination buffers,
// filling them in order, and checks the stream against its digest trailer.
type Assembler struct {
	dst     [][]byte
	seg     int
	off     int
	h       hash.Hash
	written uint64
	want    uint64
}

func NewAssembler(dst [][]byte) *Assembler {
	a := &Assembler{dst: dst, h: newDigest()}
	for _, d := range dst {
		a.want += uint64(len(d))
	}
	return a
}

func (a *Assembler) Write(p []byte) error {
	if uint64(len(p)) > a.want-a.written {
		return pkgerrors.Wrapf(ErrTransport, "payload overflows announced size %d", a.want)
	}
	a.h.Write(p)
	a.written += uint64(len(p))
	for len(p) > 0 {
		for a.off == len(a.dst[a.seg]) {
			a.seg++
			a.off = 0
		}
		n := copy(a.dst[a.seg][a.off:], p)
		a.off += n
		p = p[n:]
	}
	return nil
}

func (a *Assembler) Written() uint64 { return a.written }

func (a *Assembler) Complete() bool { return a.written == a.want }

// Verify reports ErrTransport unless every destination byte was written and
// digest matches what was received.
func (a *Assembler) Verify(digest []byte) error {
	if !a.Complete() {
		return pkgerrors.Wrapf(ErrTransport, "payload truncated at %d of %d bytes", a.written, a.want)
	}
	if !bytes.Equal(a.h.Sum(nil), digest) {
		return pkgerrors.Wrap(ErrTransport, "payload digest mismatch")
	}
	return nil
}
