package protocol

import (
	"strconv"
	"strings"
)

// Response encoding per spec.md §4.2's table. Every encoder returns the
// exact wire bytes, CRLF-terminated where the table specifies it.

// EncodeOK encodes the Ok response.
func EncodeOK() []byte {
	return []byte("+OK\r\n")
}

// EncodeError encodes an Error response. msg is sanitised first: spec.md
// §4.2 requires no CR/LF in the wire message (which would let a crafted key
// or value inject extra protocol lines) and spec.md §9's "format-string
// smuggling" note requires that user-supplied bytes are never themselves
// used as a logging format string — SanitizeErrorMessage handles the former;
// the latter is a call-site discipline (always log with a fixed template and
// user bytes as a field argument, never as the format string itself).
func EncodeError(msg string) []byte {
	clean := SanitizeErrorMessage(msg)
	return []byte("-ERR " + clean + "\r\n")
}

// SanitizeErrorMessage strips bytes that would let an error message escape
// its single wire line or be misread as a printf-style format string by
// downstream logging.
func SanitizeErrorMessage(msg string) string {
	var b strings.Builder
	b.Grow(len(msg))
	for _, r := range msg {
		switch r {
		case '\r', '\n':
			b.WriteByte(' ')
		case '%':
			b.WriteString("%%")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EncodeBulkString encodes a bulk string response.
func EncodeBulkString(v []byte) []byte {
	out := make([]byte, 0, len(v)+16)
	out = append(out, '$')
	out = strconv.AppendInt(out, int64(len(v)), 10)
	out = append(out, '\r', '\n')
	out = append(out, v...)
	out = append(out, '\r', '\n')
	return out
}

// EncodeInteger encodes an integer response.
func EncodeInteger(n int64) []byte {
	out := make([]byte, 0, 24)
	out = append(out, ':')
	out = strconv.AppendInt(out, n, 10)
	out = append(out, '\r', '\n')
	return out
}

// EncodeNull encodes the Null response.
func EncodeNull() []byte {
	return []byte("$-1\r\n")
}

// EncodeArray encodes an Array response of bulk strings.
func EncodeArray(items [][]byte) []byte {
	out := make([]byte, 0, 16)
	out = append(out, '*')
	out = strconv.AppendInt(out, int64(len(items)), 10)
	out = append(out, '\r', '\n')
	for _, item := range items {
		out = append(out, EncodeBulkString(item)...)
	}
	return out
}
