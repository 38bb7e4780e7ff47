package kv

import (
	"bytes"
	"errors"
	"sort"
	"testing"
)

func TestTupleDecodeRoundTrip(t *testing.T) {
	key := Tuple(Int(5), Int(-42), String("a\x00b"), String(""), Int(1<<62))
	elements, err := key.Decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(elements) != 5 {
		t.Fatalf("expected 5 elements, got %d", len(elements))
	}
	if !elements[0].IsInt() || elements[0].Int64() != 5 {
		t.Fatalf("unexpected first element %v", elements[0])
	}
	if elements[1].Int64() != -42 {
		t.Fatalf("unexpected negative element %v", elements[1])
	}
	if elements[2].IsInt() || elements[2].Str() != "a\x00b" {
		t.Fatalf("unexpected escaped string %q", elements[2].Str())
	}
	if elements[3].Str() != "" {
		t.Fatalf("expected empty string element, got %q", elements[3].Str())
	}
	if elements[4].Int64() != 1<<62 {
		t.Fatalf("unexpected large element %v", elements[4])
	}
}

func TestTupleOrderingMatchesElementOrder(t *testing.T) {
	ordered := []Key{
		Tuple(Int(1), Int(-5)),
		Tuple(Int(1), Int(0)),
		Tuple(Int(1), Int(3)),
		Tuple(Int(1), Int(3), Int(-1)),
		Tuple(Int(1), Int(3), Int(2)),
		Tuple(Int(1), Int(10)),
		Tuple(Int(2)),
	}
	shuffled := []Key{ordered[4], ordered[6], ordered[0], ordered[5], ordered[2], ordered[1], ordered[3]}
	sort.Slice(shuffled, func(i, j int) bool { return bytes.Compare(shuffled[i], shuffled[j]) < 0 })
	for index := range ordered {
		if !bytes.Equal(ordered[index], shuffled[index]) {
			t.Fatalf("unexpected order at %d: got %s want %s", index, shuffled[index], ordered[index])
		}
	}
}

func TestTupleStringOrdering(t *testing.T) {
	values := []string{"", "a", "a\x00", "a\x00\x00", "a\x01", "ab", "b"}
	for index := 1; index < len(values); index++ {
		left := Tuple(String(values[index-1]))
		right := Tuple(String(values[index]))
		if left.Compare(right) >= 0 {
			t.Fatalf("expected %q < %q in encoded form", values[index-1], values[index])
		}
	}
}

func TestTuplePrefixDoesNotCrossParents(t *testing.T) {
	parent := Tuple(Int(7), String("ab"))
	child := Tuple(Int(7), String("ab"), Int(1))
	sibling := Tuple(Int(7), String("abc"), Int(1))
	if !child.HasPrefix(parent) {
		t.Fatalf("expected child to share parent prefix")
	}
	if sibling.HasPrefix(parent) {
		t.Fatalf("string element must not prefix a longer string")
	}
	if !parent.Append(Int(1)).HasPrefix(parent) || parent.Append(Int(1)).Compare(child) != 0 {
		t.Fatalf("append should match tuple construction")
	}
}

func TestDecodeRejectsMalformedKeys(t *testing.T) {
	cases := map[string]Key{
		"truncated-int":       Key{typeInt, 0x80, 0x00},
		"unterminated-string": Key{typeString, 'a'},
		"unknown-type":        Key{0x7f},
	}
	for name, key := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := key.Decode(); !errors.Is(err, ErrMalformedKey) {
				t.Fatalf("expected ErrMalformedKey, got %v", err)
			}
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	if end := prefixEnd(Key{0x01, 0xFF}); !bytes.Equal(end, Key{0x02}) {
		t.Fatalf("unexpected prefix end %x", []byte(end))
	}
	if end := prefixEnd(Key{0xFF, 0xFF}); end != nil {
		t.Fatalf("expected nil prefix end, got %x", []byte(end))
	}
	if end := prefixEnd(nil); end != nil {
		t.Fatalf("expected nil prefix end for empty prefix")
	}
}
