package model

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/stephenfire/go-rtl"
)

// Encode serializes v (one of the SubscriptionCommand variants, or one of
// the FetchCreatedTopics request/response types) with go-rtl's reflective
// binary codec and frames the result with a 4-byte big-endian length
// prefix, so a reader can pull exactly one message off a stream at a time.
//
// The returned slice must not be retained past the call that produced it if
// it was built from a pooled buffer; callers that need to keep the bytes
// should copy them.
func Encode(v interface{}) ([]byte, error) {
	body := new(bytes.Buffer)
	if err := rtl.Encode(v, body); err != nil {
		return nil, fmt.Errorf("encode wire record: %w", err)
	}
	framed := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(framed[0:4], uint32(body.Len()))
	copy(framed[4:], body.Bytes())
	return framed, nil
}

// Decode reverses Encode into v, which must be a pointer to one of the wire
// record types.
func Decode(framed []byte, v interface{}) error {
	if len(framed) < 4 {
		return fmt.Errorf("decode wire record: frame too short (%d bytes)", len(framed))
	}
	n := binary.BigEndian.Uint32(framed[0:4])
	if int(n) != len(framed)-4 {
		return fmt.Errorf("decode wire record: length prefix %d does not match body %d", n, len(framed)-4)
	}
	if err := rtl.Decode(bytes.NewBuffer(framed[4:]), v); err != nil {
		return fmt.Errorf("decode wire record: %w", err)
	}
	return nil
}
