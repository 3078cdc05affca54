// Package codec converts between raw characteristic bytes and their textual
// console representations (HEX, UTF-8, ASCII). All functions are pure; the
// package holds no state.
package codec

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Format identifies a textual representation of characteristic bytes
type Format string

const (
	FormatHex   Format = "hex"
	FormatUTF8  Format = "utf8"
	FormatASCII Format = "ascii"
)

// FillerPosition selects where the padding nibble goes when hex input has an
// odd number of digits
type FillerPosition string

const (
	FillerBeginning FillerPosition = "beginning"
	FillerEnd       FillerPosition = "end"
)

// InvalidInputError reports malformed user input that never reaches the
// transport. It is surfaced at validation time and causes no state mutation.
type InvalidInputError struct {
	Input  string
	Reason string
}

// Error implements the error interface
func (e *InvalidInputError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Reason == "" {
		return "invalid input"
	}
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// Is allows errors.Is to match any InvalidInputError against ErrInvalidInput
func (e *InvalidInputError) Is(target error) bool {
	if e == nil {
		return false
	}
	_, ok := target.(*InvalidInputError)
	return ok
}

// ErrInvalidInput is the sentinel for errors.Is comparisons
var ErrInvalidInput = &InvalidInputError{}

// stripSpace removes all whitespace characters from s
func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')
}

// padHex inserts a single '0' nibble into an odd-length hex digit string so it
// parses into whole bytes. Even-length input is returned unchanged.
func padHex(digits string, filler FillerPosition) string {
	if len(digits)%2 == 0 {
		return digits
	}
	if filler == FillerBeginning {
		return "0" + digits
	}
	return digits + "0"
}

// EncodeForSend converts user text into the bytes to write to a
// characteristic. HEX mode strips whitespace, uppercases, rejects non-hex
// digits and pads odd-length input per filler. UTF8/ASCII modes send the text
// bytes as-is; no escape sequences are interpreted on send.
func EncodeForSend(text string, format Format, filler FillerPosition) ([]byte, error) {
	if format != FormatHex {
		return []byte(text), nil
	}

	digits := strings.ToUpper(stripSpace(text))
	for _, r := range digits {
		if !isHexDigit(r) {
			return nil, &InvalidInputError{
				Input:  text,
				Reason: fmt.Sprintf("invalid hex character %q", r),
			}
		}
	}

	digits = padHex(digits, filler)
	data, err := hex.DecodeString(digits)
	if err != nil {
		// Unreachable after the digit check above, kept as a guard
		return nil, &InvalidInputError{Input: text, Reason: err.Error()}
	}
	return data, nil
}

// DecodeForDisplay renders characteristic bytes for the console. HEX produces
// space-separated uppercase byte pairs. UTF8 decodes leniently, replacing
// invalid sequences instead of failing. ASCII passes printable bytes through
// and escapes everything else as \xHH, with \n, \r and \t given their
// two-character escapes.
func DecodeForDisplay(data []byte, format Format) string {
	switch format {
	case FormatHex:
		var sb strings.Builder
		for i, b := range data {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%02X", b)
		}
		return sb.String()

	case FormatUTF8:
		if utf8.Valid(data) {
			return string(data)
		}
		var sb strings.Builder
		for len(data) > 0 {
			r, size := utf8.DecodeRune(data)
			if r == utf8.RuneError && size == 1 {
				sb.WriteRune(utf8.RuneError)
			} else {
				sb.WriteRune(r)
			}
			data = data[size:]
		}
		return sb.String()

	default: // FormatASCII
		var sb strings.Builder
		for _, b := range data {
			switch {
			case b == '\n':
				sb.WriteString(`\n`)
			case b == '\r':
				sb.WriteString(`\r`)
			case b == '\t':
				sb.WriteString(`\t`)
			case b == '\\':
				sb.WriteString(`\\`)
			case b >= 0x20 && b <= 0x7e:
				sb.WriteByte(b)
			default:
				fmt.Fprintf(&sb, `\x%02x`, b)
			}
		}
		return sb.String()
	}
}

// HexValidation is the result of validating user hex input
type HexValidation struct {
	Valid     bool
	Formatted string // padded, space-separated display form; empty when invalid
	Reason    string // human-readable problem description; empty when valid
}

// ValidateHexInput checks user hex input before it is accepted for send.
// Empty input is valid and formats to the empty string. Valid input is padded
// per filler and re-rendered as space-separated byte pairs.
func ValidateHexInput(input string, filler FillerPosition) HexValidation {
	digits := strings.ToUpper(stripSpace(input))
	if digits == "" {
		return HexValidation{Valid: true}
	}

	for _, r := range digits {
		if !isHexDigit(r) {
			return HexValidation{
				Reason: fmt.Sprintf("invalid hex character %q - only 0-9 and A-F are allowed", r),
			}
		}
	}

	digits = padHex(digits, filler)
	var sb strings.Builder
	for i := 0; i < len(digits); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(digits[i : i+2])
	}
	return HexValidation{Valid: true, Formatted: sb.String()}
}
