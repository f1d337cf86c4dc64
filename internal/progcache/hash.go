// Package progcache is the content-addressed program cache. It hashes program
// payloads, remembers the hash of every program created through the layer,
// dumps payloads and build artifacts to a cache directory and, when enabled,
// substitutes cached artifacts at program creation.
package progcache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// PayloadKind is the form a program was created from.
type PayloadKind uint8

const (
	KindSource PayloadKind = iota
	KindBinary
	KindIL
)

func (k PayloadKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindBinary:
		return "binary"
	case KindIL:
		return "il"
	}
	return fmt.Sprintf("PayloadKind(%d)", uint8(k))
}

// ParsePayloadKind is the inverse of PayloadKind.String.
func ParsePayloadKind(s string) (PayloadKind, error) {
	switch s {
	case "source":
		return KindSource, nil
	case "binary":
		return KindBinary, nil
	case "il":
		return KindIL, nil
	}
	return 0, fmt.Errorf("unknown payload kind %q", s)
}

// Key identifies a program payload.
type Key struct {
	Hash uint64
	Kind PayloadKind
}

// String is the file-name form of the hash.
func (k Key) String() string {
	return fmt.Sprintf("%016x", k.Hash)
}

// fingerprintSeed seeds the second, independent digest used to notice two
// payloads sharing a hash.
const fingerprintSeed = 0x9e3779b97f4a7c15

type fingerprint struct {
	sum    uint64
	length uint64
}

// digest streams parts through both digests. Part boundaries do not affect
// the result.
func digest(parts [][]byte) (uint64, fingerprint) {
	d := xxhash.New()
	f := xxhash.NewWithSeed(fingerprintSeed)
	var n uint64
	for _, p := range parts {
		_, _ = d.Write(p)
		_, _ = f.Write(p)
		n += uint64(len(p))
	}
	return d.Sum64(), fingerprint{sum: f.Sum64(), length: n}
}

func stringParts(fragments []string) [][]byte {
	parts := make([][]byte, len(fragments))
	for i, s := range fragments {
		parts[i] = []byte(s)
	}
	return parts
}

// HashSource hashes source fragments as if they were concatenated.
func HashSource(fragments []string) Key {
	h, _ := digest(stringParts(fragments))
	return Key{Hash: h, Kind: KindSource}
}

// HashBinaries hashes per-device binaries in device order.
func HashBinaries(binaries [][]byte) Key {
	h, _ := digest(binaries)
	return Key{Hash: h, Kind: KindBinary}
}

// HashIL hashes an IL module.
func HashIL(il []byte) Key {
	h, _ := digest([][]byte{il})
	return Key{Hash: h, Kind: KindIL}
}

// HashOptions hashes a build options string.
func HashOptions(options string) uint64 {
	return xxhash.Sum64String(options)
}
