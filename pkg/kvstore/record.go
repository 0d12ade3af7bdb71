package kvstore

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cuemby/warden/pkg/errdefs"
)

// Wire format: a node file is a sequence of
//
//	<uvarint record length><record>
//
// where a record is protobuf-compatible:
//
//	message Record { repeated Pair pairs = 1; }
//	message Pair   { string key = 1; string val = 2; }

const (
	fieldPairs = 1
	fieldKey   = 1
	fieldVal   = 2
)

func encodePair(p Pair) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, p.Key)
	b = protowire.AppendTag(b, fieldVal, protowire.BytesType)
	b = protowire.AppendString(b, p.Val)
	return b
}

func encodeRecord(pairs []Pair) []byte {
	var rec []byte
	for _, p := range pairs {
		rec = protowire.AppendTag(rec, fieldPairs, protowire.BytesType)
		rec = protowire.AppendBytes(rec, encodePair(p))
	}
	var out []byte
	out = protowire.AppendVarint(out, uint64(len(rec)))
	return append(out, rec...)
}

func decodePair(b []byte) (Pair, error) {
	var p Pair
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, errdefs.New(errdefs.InvalidData, "bad pair tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return p, errdefs.New(errdefs.InvalidData, "bad pair field type")
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return p, errdefs.New(errdefs.InvalidData, "bad pair field")
		}
		switch num {
		case fieldKey:
			p.Key = string(v)
		case fieldVal:
			p.Val = string(v)
		}
		b = b[n:]
	}
	return p, nil
}

func decodeRecord(b []byte) ([]Pair, error) {
	var pairs []Pair
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errdefs.New(errdefs.InvalidData, "bad record tag")
		}
		b = b[n:]
		if num != fieldPairs || typ != protowire.BytesType {
			return nil, errdefs.New(errdefs.InvalidData, "unexpected record field")
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errdefs.New(errdefs.InvalidData, "bad record field")
		}
		p, err := decodePair(v)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
		b = b[n:]
	}
	return pairs, nil
}
