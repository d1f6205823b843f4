package models

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// EndpointID is the keccak256 hash of a canonical endpoint string
type EndpointID [32]byte

// HashEndpoint hashes the UTF-8 bytes of url with legacy keccak256.
// The string is hashed as given; callers canonicalize it beforehand.
func HashEndpoint(url string) EndpointID {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(url))
	var id EndpointID
	copy(id[:], h.Sum(nil))
	return id
}

// ParseEndpointID parses a 0x-prefixed (or bare) 64 character hex string
func ParseEndpointID(s string) (EndpointID, error) {
	var id EndpointID
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 64 {
		return id, fmt.Errorf("invalid endpoint id length: %d", len(raw))
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return id, fmt.Errorf("invalid endpoint id: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the 0x-prefixed lower case hex form
func (e EndpointID) Hex() string {
	return "0x" + hex.EncodeToString(e[:])
}

// String implements fmt.Stringer
func (e EndpointID) String() string {
	return e.Hex()
}

// IsZero reports whether the id is all zero bytes
func (e EndpointID) IsZero() bool {
	return e == EndpointID{}
}

// MarshalText implements encoding.TextMarshaler
func (e EndpointID) MarshalText() ([]byte, error) {
	return []byte(e.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EndpointID) UnmarshalText(text []byte) error {
	id, err := ParseEndpointID(string(text))
	if err != nil {
		return err
	}
	*e = id
	return nil
}

// Value implements driver.Valuer
func (e EndpointID) Value() (driver.Value, error) {
	return e[:], nil
}

// Scan implements sql.Scanner
func (e *EndpointID) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		if len(v) != len(e) {
			return fmt.Errorf("invalid endpoint id length: %d", len(v))
		}
		copy(e[:], v)
		return nil
	case string:
		return e.UnmarshalText([]byte(v))
	case nil:
		*e = EndpointID{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into EndpointID", src)
	}
}

// EndpointEntry is one configured allowlist entry of an account
type EndpointEntry struct {
	EndpointID EndpointID `json:"endpoint_id" db:"endpoint_id"`
	Allowed    bool       `json:"allowed" db:"allowed"`
}
