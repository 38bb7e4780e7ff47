package kv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	typeString byte = 0x02
	typeInt    byte = 0x15

	stringTerminator byte = 0x00
	stringEscape     byte = 0xFF

	signFlip uint64 = 1 << 63
)

// ErrMalformedKey indicates that a stored key could not be decoded as a tuple.
var ErrMalformedKey = errors.New("kv: malformed key")

// Element is a single component of a tuple key.
type Element struct {
	kind byte
	i    int64
	s    string
}

// Int returns an integer tuple element.
func Int(value int64) Element {
	return Element{kind: typeInt, i: value}
}

// String returns a string tuple element.
func String(value string) Element {
	return Element{kind: typeString, s: value}
}

// IsInt reports whether the element holds an integer.
func (e Element) IsInt() bool {
	return e.kind == typeInt
}

// Int64 returns the integer value of the element, or zero for strings.
func (e Element) Int64() int64 {
	return e.i
}

// Str returns the string value of the element, or "" for integers.
func (e Element) Str() string {
	return e.s
}

func (e Element) String() string {
	if e.kind == typeInt {
		return fmt.Sprintf("%d", e.i)
	}
	return fmt.Sprintf("%q", e.s)
}

// Key is an encoded tuple. Byte order of keys matches element-wise tuple order, and the
// encoding of a tuple is a byte prefix of the encoding of every tuple it prefixes.
type Key []byte

// Tuple encodes the elements into a key.
func Tuple(elements ...Element) Key {
	buf := make([]byte, 0, 9*len(elements))
	for _, element := range elements {
		buf = appendElement(buf, element)
	}
	return Key(buf)
}

// Append returns a new key with the elements appended.
func (k Key) Append(elements ...Element) Key {
	buf := make([]byte, len(k), len(k)+9*len(elements))
	copy(buf, k)
	for _, element := range elements {
		buf = appendElement(buf, element)
	}
	return Key(buf)
}

// HasPrefix reports whether prefix is a byte prefix of k.
func (k Key) HasPrefix(prefix Key) bool {
	return bytes.HasPrefix(k, prefix)
}

// Compare orders keys bytewise.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// Decode splits the key back into its elements.
func (k Key) Decode() ([]Element, error) {
	elements := make([]Element, 0, 4)
	rest := []byte(k)
	for len(rest) > 0 {
		switch rest[0] {
		case typeInt:
			if len(rest) < 9 {
				return nil, fmt.Errorf("%w: truncated integer", ErrMalformedKey)
			}
			value := int64(binary.BigEndian.Uint64(rest[1:9]) ^ signFlip)
			elements = append(elements, Int(value))
			rest = rest[9:]
		case typeString:
			value, remaining, err := decodeString(rest[1:])
			if err != nil {
				return nil, err
			}
			elements = append(elements, String(value))
			rest = remaining
		default:
			return nil, fmt.Errorf("%w: unknown element type 0x%02x", ErrMalformedKey, rest[0])
		}
	}
	return elements, nil
}

// String renders the decoded tuple for logs.
func (k Key) String() string {
	elements, err := k.Decode()
	if err != nil {
		return fmt.Sprintf("%x", []byte(k))
	}
	var buf bytes.Buffer
	buf.WriteByte('(')
	for index, element := range elements {
		if index > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(element.String())
	}
	buf.WriteByte(')')
	return buf.String()
}

// prefixEnd returns the smallest key greater than every key with the given prefix, or nil
// when no such key exists.
func prefixEnd(prefix Key) Key {
	end := append([]byte(nil), prefix...)
	for len(end) > 0 {
		last := len(end) - 1
		if end[last] != 0xFF {
			end[last]++
			return Key(end)
		}
		end = end[:last]
	}
	return nil
}

func appendElement(buf []byte, element Element) []byte {
	switch element.kind {
	case typeInt:
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], uint64(element.i)^signFlip)
		buf = append(buf, typeInt)
		return append(buf, raw[:]...)
	case typeString:
		buf = append(buf, typeString)
		for i := 0; i < len(element.s); i++ {
			c := element.s[i]
			buf = append(buf, c)
			if c == stringTerminator {
				buf = append(buf, stringEscape)
			}
		}
		return append(buf, stringTerminator)
	default:
		panic("kv: zero tuple element")
	}
}

func decodeString(data []byte) (string, []byte, error) {
	var out []byte
	for i := 0; i < len(data); i++ {
		if data[i] != stringTerminator {
			out = append(out, data[i])
			continue
		}
		if i+1 < len(data) && data[i+1] == stringEscape {
			out = append(out, stringTerminator)
			i++
			continue
		}
		return string(out), data[i+1:], nil
	}
	return "", nil, fmt.Errorf("%w: unterminated string", ErrMalformedKey)
}
