package checkpoints

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the checkpoint record message.
const (
	recordEpoch      protowire.Number = 1
	recordStep       protowire.Number = 2
	recordUpdateStep protowire.Number = 3
	recordSchedStep  protowire.Number = 4
	recordVersion    protowire.Number = 5
	recordFramework  protowire.Number = 6
	recordRunID      protowire.Number = 7
	recordCreatedAt  protowire.Number = 8
)

// MarshalRecord encodes rec in protobuf wire format.
func MarshalRecord(rec Record) []byte {
	var b []byte
	b = appendVarintField(b, recordEpoch, uint64(rec.Epoch))
	b = appendVarintField(b, recordStep, uint64(rec.GlobalStep))
	b = appendVarintField(b, recordUpdateStep, uint64(rec.GlobalGradientUpdateStep))
	b = appendVarintField(b, recordSchedStep, uint64(rec.SchedulerStep))
	b = appendStringField(b, recordVersion, rec.Metadata.Version)
	b = appendStringField(b, recordFramework, rec.Metadata.Framework)
	b = appendStringField(b, recordRunID, rec.Metadata.RunID)
	if !rec.Metadata.CreatedAt.IsZero() {
		b = appendVarintField(b, recordCreatedAt, uint64(rec.Metadata.CreatedAt.UnixNano()))
	}
	return b
}

// UnmarshalRecord decodes a record written by MarshalRecord. Unknown fields
// are skipped.
func UnmarshalRecord(b []byte, rec *Record) error {
	*rec = Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num <= recordSchedStep, typ == protowire.VarintType && num == recordCreatedAt:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case recordEpoch:
				rec.Epoch = int(v)
			case recordStep:
				rec.GlobalStep = int64(v)
			case recordUpdateStep:
				rec.GlobalGradientUpdateStep = int64(v)
			case recordSchedStep:
				rec.SchedulerStep = int64(v)
			case recordCreatedAt:
				rec.Metadata.CreatedAt = time.Unix(0, int64(v)).UTC()
			}
		case typ == protowire.BytesType && num >= recordVersion && num <= recordRunID:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case recordVersion:
				rec.Metadata.Version = s
			case recordFramework:
				rec.Metadata.Framework = s
			case recordRunID:
				rec.Metadata.RunID = s
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func consumeBytesField(b []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
