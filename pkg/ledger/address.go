// Package ledger models the slice of the shared token ledger the protocol
// depends on: 32-byte account addresses, deterministic address derivation
// and the checked token primitives (transfer, approve, revoke).
package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// AddressLen is the width of every ledger address in bytes.
const AddressLen = 32

// deriveDomain separates derived addresses from any other blake2b use.
const deriveDomain = "tally/derive/v1"

// Address identifies an account on the ledger.
type Address [AddressLen]byte

// ZeroAddress is the unset address.
var ZeroAddress Address

// String returns the lowercase hex form of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first eight hex characters, for log lines.
func (a Address) Short() string {
	return a.String()[:8]
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLen)
	copy(out, a[:])
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a hex address. Surrounding whitespace is ignored.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address %q: %w", s, err)
	}
	if len(raw) != AddressLen {
		return a, fmt.Errorf("parse address %q: got %d bytes, want %d", s, len(raw), AddressLen)
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Derive computes the deterministic address of a record from its namespace
// tag and parent keys. Every component is length-prefixed, so distinct
// (namespace, parents) tuples never collide by concatenation.
func Derive(namespace string, parents ...[]byte) Address {
	h, err := blake2b.New256(nil)
	if err != nil {
		// New256 only fails for oversized keys.
		panic(err)
	}
	writeComponent(h, []byte(deriveDomain))
	writeComponent(h, []byte(namespace))
	for _, p := range parents {
		writeComponent(h, p)
	}
	var out Address
	copy(out[:], h.Sum(nil))
	return out
}

func writeComponent(w interface{ Write([]byte) (int, error) }, b []byte) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(b)))
	_, _ = w.Write(prefix[:])
	_, _ = w.Write(b)
}

// KeyFromSeed returns a stable address for a human-readable seed. It stands
// in for wallet keys in the CLI and in tests.
func KeyFromSeed(seed string) Address {
	return Derive("key", []byte(seed))
}

// AssociatedTokenAddress is the canonical token account of owner for mint.
func AssociatedTokenAddress(owner, mint Address) Address {
	return Derive("associated-token", owner[:], mint[:])
}
