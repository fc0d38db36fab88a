package binpattern

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// decodeString decodes raw bytes with a named encoding. An empty encoding
// name means UTF-8.
func decodeString(data []byte, encodingName string) (string, error) {
	var enc encoding.Encoding

	switch encodingName {
	case "", "UTF-8":
		return string(data), nil
	case "ASCII":
		for _, b := range data {
			if b > 127 {
				return "", fmt.Errorf("invalid ASCII character: %d", b)
			}
		}
		return string(data), nil
	case "UTF-16LE":
		enc = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case "UTF-16BE":
		enc = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case "UTF-32LE":
		enc = utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM)
	case "UTF-32BE":
		enc = utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM)
	case "CP437", "IBM437":
		enc = charmap.CodePage437
	case "ISO-8859-1", "LATIN1":
		enc = charmap.ISO8859_1
	case "SHIFT_JIS", "SJIS":
		enc = japanese.ShiftJIS
	default:
		return "", fmt.Errorf("unsupported encoding: %s", encodingName)
	}

	decoder := enc.NewDecoder()
	result, err := decoder.String(string(data))
	if err != nil {
		return "", err
	}
	return result, nil
}
