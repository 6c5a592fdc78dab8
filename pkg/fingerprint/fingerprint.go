// Package fingerprint provides the self-describing content identifier
// used as the cache key across every tier and index.
//
// A Fingerprint wraps a CIDv1: version, codec, hash algorithm and digest
// travel with the identifier, so any node can verify a body against it
// without out-of-band knowledge. Equality is bytewise.
package fingerprint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	mbase "github.com/multiformats/go-multibase"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// Fingerprint is an immutable content identifier. The zero value is
// invalid; use FromBytes, Parse or FromCid.
type Fingerprint struct {
	c cid.Cid
}

var ErrInvalid = errors.New("invalid fingerprint")

// FromBytes computes the fingerprint of a body under the given codec
// using a SHA-256 multihash. This matches what the content-addressed
// store produces for raw-leaf adds, so locally computed fingerprints and
// store-assigned ones agree.
func FromBytes(codec uint64, data []byte) (Fingerprint, error) {
	prefix := cid.Prefix{
		Version:  1,
		Codec:    codec,
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	c, err := prefix.Sum(data)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("compute fingerprint: %w", err)
	}
	return Fingerprint{c: c}, nil
}

// FromRaw computes the fingerprint of a body under the raw codec.
func FromRaw(data []byte) (Fingerprint, error) {
	return FromBytes(cid.Raw, data)
}

// Parse decodes a fingerprint from any multibase string form.
func Parse(s string) (Fingerprint, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Fingerprint{c: c}, nil
}

// FromCid wraps an existing CID.
func FromCid(c cid.Cid) Fingerprint {
	return Fingerprint{c: c}
}

// Defined reports whether the fingerprint carries an identifier.
func (f Fingerprint) Defined() bool {
	return f.c.Defined()
}

// Cid returns the underlying CID.
func (f Fingerprint) Cid() cid.Cid {
	return f.c
}

// String returns the canonical base32 multibase form.
func (f Fingerprint) String() string {
	if !f.c.Defined() {
		return ""
	}
	return f.c.String()
}

// Encode returns the fingerprint in an alternate multibase encoding.
func (f Fingerprint) Encode(base mbase.Encoding) (string, error) {
	return f.c.StringOfBase(base)
}

// Bytes returns the binary CID form.
func (f Fingerprint) Bytes() []byte {
	return f.c.Bytes()
}

// Codec returns the content codec tag.
func (f Fingerprint) Codec() uint64 {
	return f.c.Type()
}

// CodecName returns a human-readable codec name for index rows.
func (f Fingerprint) CodecName() string {
	code := mc.Code(f.c.Type())
	if name := code.String(); !strings.HasPrefix(name, "Code(") {
		return name
	}
	return fmt.Sprintf("codec-%d", f.c.Type())
}

// HashAlgorithm returns the multihash algorithm name.
func (f Fingerprint) HashAlgorithm() string {
	if name, ok := mh.Codes[f.c.Prefix().MhType]; ok {
		return name
	}
	return fmt.Sprintf("mh-%d", f.c.Prefix().MhType)
}

// Digest returns the raw hash digest carried by the fingerprint.
func (f Fingerprint) Digest() ([]byte, error) {
	decoded, err := mh.Decode(f.c.Hash())
	if err != nil {
		return nil, fmt.Errorf("decode multihash: %w", err)
	}
	return decoded.Digest, nil
}

// Equal reports bytewise equality.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.c.Equals(other.c)
}

// Less provides a deterministic ordering for sorted output.
func (f Fingerprint) Less(other Fingerprint) bool {
	return f.c.KeyString() < other.c.KeyString()
}

// Key returns a map-key form of the fingerprint.
func (f Fingerprint) Key() string {
	return string(f.c.KeyString())
}

// Shard returns a shard number derived from the trailing digest bytes,
// in [0, shards). Used by sharded maps keyed by fingerprint.
func (f Fingerprint) Shard(shards int) int {
	if shards <= 1 || !f.c.Defined() {
		return 0
	}
	digest := []byte(f.c.Hash())
	if len(digest) < 8 {
		return 0
	}
	v := binary.BigEndian.Uint64(digest[len(digest)-8:])
	return int(v % uint64(shards))
}

// Verify recomputes the fingerprint of a body and reports whether it
// matches. Used by retrieval-only tiers that cannot be trusted to have
// performed content addressing themselves.
func (f Fingerprint) Verify(data []byte) (bool, error) {
	computed, err := FromBytes(f.c.Type(), data)
	if err != nil {
		return false, err
	}
	return f.Equal(computed), nil
}

// MarshalText implements encoding.TextMarshaler so fingerprints embed
// cleanly in JSON records.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*f = Fingerprint{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
