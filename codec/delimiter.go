package codec

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// DelimiterLen is the size of the per-connection frame delimiter.
const DelimiterLen = 8

var (
	// ErrDelimiterSet is returned when a delimiter is set on a Framer that
	// already has one.
	ErrDelimiterSet = errors.New("codec: delimiter already established")
)

// Delimiter separates frames on the wire. It is chosen once per connection
// by the accepting side and used in both directions.
type Delimiter [DelimiterLen]byte

// NewDelimiter returns a random delimiter.
func NewDelimiter() (Delimiter, error) {
	var d Delimiter
	if _, err := rand.Read(d[:]); err != nil {
		return d, fmt.Errorf("codec: delimiter: %w", err)
	}
	return d, nil
}

// Bytes returns the delimiter as a byte slice.
func (d Delimiter) Bytes() []byte {
	return d[:]
}

func (d Delimiter) String() string {
	return hex.EncodeToString(d[:])
}
