package dicomfile

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// UnicodeCharacterSet is the Specific Character Set defined term for UTF-8
const UnicodeCharacterSet = "ISO_IR 192"

var encodings = map[string]encoding.Encoding{
	"ISO_IR 100":      charmap.ISO8859_1,
	"ISO_IR 101":      charmap.ISO8859_2,
	"ISO_IR 109":      charmap.ISO8859_3,
	"ISO_IR 110":      charmap.ISO8859_4,
	"ISO_IR 144":      charmap.ISO8859_5,
	"ISO_IR 127":      charmap.ISO8859_6,
	"ISO_IR 126":      charmap.ISO8859_7,
	"ISO_IR 138":      charmap.ISO8859_8,
	"ISO_IR 148":      charmap.ISO8859_9,
	"ISO_IR 166":      charmap.Windows874,
	"ISO_IR 13":       japanese.ShiftJIS,
	"ISO 2022 IR 87":  japanese.ISO2022JP,
	"ISO 2022 IR 149": korean.EUCKR,
	"GB18030":         simplifiedchinese.GB18030,
	"GBK":             simplifiedchinese.GBK,
	"ISO_IR 192":      unicode.UTF8,
}

// charsetAffectedVRs are the value representations whose values are
// encoded in the Specific Character Set. All other string VRs are limited
// to the default repertoire.
var charsetAffectedVRs = map[string]bool{
	"SH": true,
	"LO": true,
	"ST": true,
	"LT": true,
	"PN": true,
	"UC": true,
	"UT": true,
}

// IsCharsetAffected reports whether values of vr are encoded using the Specific Character Set
func IsCharsetAffected(vr string) bool {
	return charsetAffectedVRs[vr]
}

// lookupEncoding picks the encoding for a Specific Character Set value.
// A nil encoding with ok=true means the default repertoire.
func lookupEncoding(terms []string) (enc encoding.Encoding, ok bool) {
	primary := ""
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "ISO 2022 IR 87" || t == "ISO 2022 IR 149" {
			return encodings[t], true
		}
		if primary == "" && t != "" {
			primary = t
		}
	}
	switch primary {
	case "", "ISO_IR 6", "ISO 2022 IR 6":
		return nil, true
	}
	if strings.HasPrefix(primary, "ISO 2022 IR ") {
		primary = "ISO_IR " + strings.TrimPrefix(primary, "ISO 2022 IR ")
	}
	enc, ok = encodings[primary]
	return enc, ok
}

// Representable reports whether value survives an encode/decode round trip
// through the character set named by terms.
func Representable(value string, terms []string) bool {
	encoded, err := EncodeString(value, terms)
	if err != nil {
		return false
	}
	decoded, err := DecodeString(encoded, terms)
	if err != nil {
		return false
	}
	return decoded == value
}

// IsDefaultRepertoire reports whether value only uses the DICOM default repertoire
func IsDefaultRepertoire(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// EncodeString encodes a UTF-8 value into the bytes of the character set
// named by terms. The result holds raw bytes, not UTF-8.
func EncodeString(value string, terms []string) (string, error) {
	enc, ok := lookupEncoding(terms)
	if !ok {
		return "", &unsupportedCharsetError{terms: terms}
	}
	if enc == nil {
		if !IsDefaultRepertoire(value) {
			return "", &unsupportedCharsetError{terms: terms, value: value}
		}
		return value, nil
	}
	return enc.NewEncoder().String(value)
}

// DecodeString is the inverse of EncodeString
func DecodeString(raw string, terms []string) (string, error) {
	enc, ok := lookupEncoding(terms)
	if !ok {
		return "", &unsupportedCharsetError{terms: terms}
	}
	if enc == nil {
		return raw, nil
	}
	return enc.NewDecoder().String(raw)
}

type unsupportedCharsetError struct {
	terms []string
	value string
}

func (e *unsupportedCharsetError) Error() string {
	if e.value != "" {
		return "value " + e.value + " is outside the default repertoire"
	}
	return "unsupported specific character set " + strings.Join(e.terms, `\`)
}
