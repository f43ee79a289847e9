// Package ids generates the 128-bit opaque identifiers used for every
// registry entity (manager, stream, object) and for subscription handles.
//
// Identifiers are drawn uniformly at random (RFC 4122 version 4, via
// github.com/google/uuid) and rendered as lowercase hex with no
// separators, per spec: "128-bit opaque values rendered as lowercase hex".
package ids

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// ID is a 128-bit opaque identifier.
type ID [16]byte

// Nil is the zero ID, used to mean "no parent" (the synthetic root).
var Nil ID

// New draws a new random ID.
func New() ID {
	return ID(uuid.New())
}

// String renders the ID as lowercase hex, e.g. "0123456789abcdef0123456789abcdef".
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Parse parses a lowercase-hex-rendered ID produced by String.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, errInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

var errInvalidLength = errLen{}

type errLen struct{}

func (errLen) Error() string { return "ids: decoded value is not 16 bytes" }

// Generate draws random IDs, retrying on collision, until exists returns
// false for the candidate. exists is typically a lookup of the candidate
// across the registry store's whole table for that kind of entity.
func Generate(exists func(ID) bool) ID {
	for {
		id := New()
		if !exists(id) {
			return id
		}
	}
}
