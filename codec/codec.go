package codec

import (
	"bytes"
	"io"
)

type Encoder interface {
	// Encode writes an encoding of v to its Writer.
	Encode(v interface{}) error
}

type Decoder interface {
	// Decode reads the next encoded value from its Reader and stores it in the value pointed to by v.
	Decode(v interface{}) error
}

// Codec returns an Encoder or Decoder given a Writer or Reader.
type Codec interface {
	Encoder(w io.Writer) Encoder
	Decoder(r io.Reader) Decoder
}

// Marshal encodes v with c into a byte slice. A trailing newline added by
// stream encoders is dropped so the payload can sit inside a frame as is.
func Marshal(c Codec, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Unmarshal decodes a single value from b into v using c.
func Unmarshal(c Codec, b []byte, v interface{}) error {
	return c.Decoder(bytes.NewReader(b)).Decode(v)
}
