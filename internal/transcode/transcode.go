package transcode

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Decoder turns host binary data into guest text.
type Decoder struct {
	name string
	enc  encoding.Encoding
}

// New looks up a charset by its WHATWG name or alias ("utf-8", "latin1", "windows-1252", ...).
func New(charset string) (*Decoder, error) {
	if charset == "" {
		charset = "utf-8"
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unknown binary charset %q: %w", charset, err)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = strings.ToLower(charset)
	}
	return &Decoder{name: name, enc: enc}, nil
}

// Name returns the canonical charset name.
func (d *Decoder) Name() string {
	return d.name
}

// String decodes b. Invalid sequences are replaced, never rejected.
func (d *Decoder) String(b []byte) (string, error) {
	out, err := d.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
