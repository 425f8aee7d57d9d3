package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	gohash "hash"
	"hash/crc32"
	"io"
	"os"
)

// BlockSize is the block length the content hash is chained over.
// Dropbox uses the same scheme for its content_hash field.
const BlockSize = 4 * 1024 * 1024

// Size of a Digest in bytes.
const Size = sha256.Size

// Digest is a content fingerprint.
type Digest [Size]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a lowercase or uppercase hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d", Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// ContentHasher computes the block-chained SHA-256 of everything written to it.
// Only one block is resident at a time.
type ContentHasher struct {
	overall  gohash.Hash
	block    gohash.Hash
	blockPos int
}

var _ gohash.Hash = (*ContentHasher)(nil)

func New() *ContentHasher {
	return &ContentHasher{
		overall: sha256.New(),
		block:   sha256.New(),
	}
}

func (h *ContentHasher) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		if h.blockPos == BlockSize {
			h.overall.Write(h.block.Sum(nil))
			h.block.Reset()
			h.blockPos = 0
		}
		take := BlockSize - h.blockPos
		if take > len(p) {
			take = len(p)
		}
		h.block.Write(p[:take])
		h.blockPos += take
		p = p[take:]
	}
	return n, nil
}

// Sum appends the digest to b without changing the hasher state.
func (h *ContentHasher) Sum(b []byte) []byte {
	overall := h.overall
	if h.blockPos > 0 {
		// clone so Sum stays non-destructive
		c, err := cloneHash(h.overall)
		if err != nil {
			panic(err)
		}
		c.Write(h.block.Sum(nil))
		overall = c
	}
	return overall.Sum(b)
}

func (h *ContentHasher) Reset() {
	h.overall.Reset()
	h.block.Reset()
	h.blockPos = 0
}

func (h *ContentHasher) Size() int { return Size }

func (h *ContentHasher) BlockSize() int { return sha256.BlockSize }

// Digest returns the current fingerprint.
func (h *ContentHasher) Digest() Digest {
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func cloneHash(src gohash.Hash) (gohash.Hash, error) {
	m, ok := src.(interface {
		MarshalBinary() ([]byte, error)
	})
	if !ok {
		return nil, errors.New("hash state not marshalable")
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	dst := sha256.New()
	u := dst.(interface{ UnmarshalBinary([]byte) error })
	if err := u.UnmarshalBinary(state); err != nil {
		return nil, err
	}
	return dst, nil
}

// Fingerprint streams r through a ContentHasher.
func Fingerprint(r io.Reader) (Digest, error) {
	h := New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return h.Digest(), nil
}

func FingerprintFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	return Fingerprint(f)
}

// Result is everything the pipeline needs to know about a file's bytes.
type Result struct {
	Size        int64
	ContentHash Digest
	CRC32C      uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Hasher accumulates a Result from a single stream.
type Hasher struct {
	content *ContentHasher
	crc     gohash.Hash32
	n       int64
}

func NewHasher() *Hasher {
	return &Hasher{content: New(), crc: crc32.New(castagnoli)}
}

func (h *Hasher) Write(p []byte) (int, error) {
	h.content.Write(p)
	h.crc.Write(p)
	h.n += int64(len(p))
	return len(p), nil
}

func (h *Hasher) Result() Result {
	return Result{Size: h.n, ContentHash: h.content.Digest(), CRC32C: h.crc.Sum32()}
}

func Compute(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	// Copy once, update every digest
	h := NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return Result{}, err
	}
	return h.Result(), nil
}
