// Package protocol implements CacheForge's length-prefixed binary frame
// format and its line-oriented text-frame fallback, plus response encoding,
// as specified in spec.md §4.2. It is grounded on the original C++
// `protocol/parser.h`/`parser.cpp`, with every latent bug called out in
// spec.md §4.2 and §9 fixed:
//
//   - every length prefix is checked against the remaining buffer before the
//     cursor advances past it — a truncated frame yields ErrIncomplete
//     (ask for more bytes), never a partial Command and never a slice
//     expression past the buffer's end;
//   - keys and args are byte slices, not C strings — embedded NUL bytes
//     survive end-to-end (the original's extract_key used strlen semantics
//     and silently truncated at the first NUL);
//   - the binary integer fields are decoded via encoding/binary rather than
//     a reinterpret_cast through a misaligned pointer.
package protocol

import (
	"encoding/binary"
	"errors"
	"unicode"
)

// MaxComponentLen bounds any single length-prefixed component (a command
// name or one argument) in the binary frame. It exists so a peer that sends
// a length prefix of, say, 0xFFFFFFFF cannot make the connection buffer
// forever waiting for bytes that will never arrive — that case is rejected
// immediately as malformed instead of silently blocking.
const MaxComponentLen = 64 * 1024 * 1024

// Errors returned by ParseBinary/ParseText.
var (
	// ErrIncomplete means the buffer does not yet contain a full frame;
	// the caller should read more bytes and retry.
	ErrIncomplete = errors.New("protocol: incomplete frame")
	// ErrMalformedFrame means the buffer can never parse into a valid
	// frame (e.g. a declared length exceeds MaxComponentLen).
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// Command is one parsed request: a command name and its arguments. Both are
// raw bytes — no assumption of UTF-8 validity or absence of NUL bytes.
type Command struct {
	Name []byte
	Args [][]byte
}

// IsHeartbeat reports whether this Command is the binary-frame heartbeat
// (cmd_len == 0, argc == 0), which produces no dispatch and no reply.
func (c Command) IsHeartbeat() bool {
	return len(c.Name) == 0 && len(c.Args) == 0
}

// ParseBinary parses one length-prefixed binary frame from the front of buf.
// It returns the parsed Command and the number of bytes consumed, or
// ErrIncomplete if buf does not yet hold a complete frame, or
// ErrMalformedFrame if a declared length is unparseable.
func ParseBinary(buf []byte) (Command, int, error) {
	offset := 0

	cmdLen, ok := readU32(buf, &offset)
	if !ok {
		return Command{}, 0, ErrIncomplete
	}
	if cmdLen > MaxComponentLen {
		return Command{}, 0, ErrMalformedFrame
	}

	name, ok := readBytes(buf, &offset, int(cmdLen))
	if !ok {
		return Command{}, 0, ErrIncomplete
	}

	argc, ok := readU32(buf, &offset)
	if !ok {
		return Command{}, 0, ErrIncomplete
	}

	var args [][]byte
	if argc > 0 {
		args = make([][]byte, 0, argc)
	}
	for i := uint32(0); i < argc; i++ {
		argLen, ok := readU32(buf, &offset)
		if !ok {
			return Command{}, 0, ErrIncomplete
		}
		if argLen > MaxComponentLen {
			return Command{}, 0, ErrMalformedFrame
		}
		arg, ok := readBytes(buf, &offset, int(argLen))
		if !ok {
			return Command{}, 0, ErrIncomplete
		}
		args = append(args, arg)
	}

	return Command{Name: name, Args: args}, offset, nil
}

// readU32 decodes a little-endian uint32 at *offset, advancing *offset past
// it on success. It never reads past len(buf).
func readU32(buf []byte, offset *int) (uint32, bool) {
	if *offset+4 > len(buf) {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(buf[*offset : *offset+4])
	*offset += 4
	return v, true
}

// readBytes copies out n bytes at *offset, advancing *offset past them on
// success. It never reads past len(buf).
func readBytes(buf []byte, offset *int, n int) ([]byte, bool) {
	if *offset+n > len(buf) {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, buf[*offset:*offset+n])
	*offset += n
	return out, true
}

// ParseText parses one newline-terminated text-frame line (the trailing
// newline must already be stripped by the caller). The command token is
// upper-cased; arguments are preserved verbatim as raw bytes.
func ParseText(line []byte) (Command, error) {
	fields := splitWhitespace(line)
	if len(fields) == 0 {
		return Command{}, ErrMalformedFrame
	}

	name := make([]byte, len(fields[0]))
	for i, b := range fields[0] {
		name[i] = byte(unicode.ToUpper(rune(b)))
	}

	var args [][]byte
	for _, f := range fields[1:] {
		arg := make([]byte, len(f))
		copy(arg, f)
		args = append(args, arg)
	}

	return Command{Name: name, Args: args}, nil
}

// splitWhitespace splits on runs of ASCII whitespace without allocating an
// intermediate string, keeping the text path byte-oriented like the binary
// path.
func splitWhitespace(line []byte) [][]byte {
	var fields [][]byte
	start := -1
	for i, b := range line {
		if isSpace(b) {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	default:
		return false
	}
}
