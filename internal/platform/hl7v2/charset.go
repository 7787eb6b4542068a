package hl7v2

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// hl7Charsets maps HL7 table 0211 values to encodings.
var hl7Charsets = map[string]encoding.Encoding{
	"UNICODE UTF-8": xunicode.UTF8,
	"UNICODE":       xunicode.UTF8,
	"UTF-8":         xunicode.UTF8,
	"8859/1":        charmap.ISO8859_1,
	"8859/2":        charmap.ISO8859_2,
	"8859/3":        charmap.ISO8859_3,
	"8859/4":        charmap.ISO8859_4,
	"8859/5":        charmap.ISO8859_5,
	"8859/6":        charmap.ISO8859_6,
	"8859/7":        charmap.ISO8859_7,
	"8859/8":        charmap.ISO8859_8,
	"8859/9":        charmap.ISO8859_9,
	"8859/15":       charmap.ISO8859_15,
}

// Encoder converts field values to the character set announced in MSH-18.
type Encoder struct {
	name string
	t    func() transform.Transformer
}

// NewEncoder resolves an HL7 (or IANA) character set name. ASCII strips
// diacritics and replaces anything left outside the 7-bit range with '?'.
func NewEncoder(name string) (*Encoder, error) {
	key := strings.TrimSpace(name)
	if key == "" {
		key = "UNICODE UTF-8"
	}

	if strings.EqualFold(key, "ASCII") || strings.EqualFold(key, "US-ASCII") {
		return &Encoder{name: key, t: asciiFold}, nil
	}

	enc, ok := hl7Charsets[strings.ToUpper(key)]
	if !ok {
		var err error
		enc, err = ianaindex.IANA.Encoding(key)
		if err != nil || enc == nil {
			return nil, fmt.Errorf("hl7v2: unsupported character set %q", name)
		}
	}
	return &Encoder{
		name: key,
		t: func() transform.Transformer {
			return encoding.ReplaceUnsupported(enc.NewEncoder())
		},
	}, nil
}

// Name returns the character set name as configured.
func (e *Encoder) Name() string { return e.name }

// Encode converts s. The result may hold non-UTF-8 bytes.
func (e *Encoder) Encode(s string) (string, error) {
	out, _, err := transform.String(e.t(), s)
	if err != nil {
		return "", fmt.Errorf("hl7v2: encode to %s: %w", e.name, err)
	}
	return out, nil
}

func asciiFold() transform.Transformer {
	return transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Map(func(r rune) rune {
			if r > unicode.MaxASCII {
				return '?'
			}
			return r
		}),
	)
}
