package checkpoints

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrIncompleteWeights is returned when shards do not cover every tensor exactly once.
var ErrIncompleteWeights = errors.New("weight shards do not cover tensor")

// WeightTensor is a named parameter tensor, or a contiguous slice of one.
// Offset is the position of Data[0] in the flattened full tensor.
type WeightTensor struct {
	Name   string    `json:"name"`
	Shape  []int     `json:"shape"`
	Offset int       `json:"offset"`
	Data   []float32 `json:"data"`
}

// Elements returns the element count of the full tensor.
func (t WeightTensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Weights is a set of parameter tensors. A process holding a sharded model
// produces a partial set; Merge consolidates the shards of every process.
type Weights struct {
	Tensors []WeightTensor `json:"tensors"`
}

// Tensor returns the tensor with the given name.
func (w *Weights) Tensor(name string) (WeightTensor, bool) {
	for _, t := range w.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return WeightTensor{}, false
}

// Merge consolidates shards into complete tensors, preserving the order in
// which tensor names first appear. Every element of every tensor must be
// provided by exactly one shard.
func Merge(shards ...*Weights) (*Weights, error) {
	type acc struct {
		tensor  WeightTensor
		covered int
	}
	var order []string
	byName := make(map[string]*acc)

	for _, shard := range shards {
		if shard == nil {
			continue
		}
		for _, part := range shard.Tensors {
			a, ok := byName[part.Name]
			if !ok {
				a = &acc{tensor: WeightTensor{
					Name:  part.Name,
					Shape: append([]int(nil), part.Shape...),
					Data:  make([]float32, part.Elements()),
				}}
				byName[part.Name] = a
				order = append(order, part.Name)
			}
			if part.Elements() != len(a.tensor.Data) {
				return nil, fmt.Errorf("tensor %s: shape %v disagrees with %v", part.Name, part.Shape, a.tensor.Shape)
			}
			if part.Offset < 0 || part.Offset+len(part.Data) > len(a.tensor.Data) {
				return nil, fmt.Errorf("tensor %s: shard [%d,%d) out of range %d",
					part.Name, part.Offset, part.Offset+len(part.Data), len(a.tensor.Data))
			}
			copy(a.tensor.Data[part.Offset:], part.Data)
			a.covered += len(part.Data)
		}
	}

	merged := &Weights{Tensors: make([]WeightTensor, 0, len(order))}
	for _, name := range order {
		a := byName[name]
		if a.covered != len(a.tensor.Data) {
			return nil, fmt.Errorf("%w %s: %d of %d elements", ErrIncompleteWeights, name, a.covered, len(a.tensor.Data))
		}
		merged.Tensors = append(merged.Tensors, a.tensor)
	}
	return merged, nil
}

// Field numbers of the weight-set messages.
const (
	weightsTensor protowire.Number = 1

	tensorName   protowire.Number = 1
	tensorShape  protowire.Number = 2
	tensorOffset protowire.Number = 3
	tensorData   protowire.Number = 4
)

// Marshal encodes the weight set in protobuf wire format. Shape and data are
// packed repeated fields.
func (w *Weights) Marshal() []byte {
	var b []byte
	for _, t := range w.Tensors {
		b = protowire.AppendTag(b, weightsTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(t))
	}
	return b
}

func marshalTensor(t WeightTensor) []byte {
	var b []byte
	b = appendStringField(b, tensorName, t.Name)
	if len(t.Shape) > 0 {
		var packed []byte
		for _, d := range t.Shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendVarintField(b, tensorOffset, uint64(t.Offset))
	if len(t.Data) > 0 {
		packed := make([]byte, 0, 4*len(t.Data))
		for _, v := range t.Data {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, tensorData, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

// Unmarshal decodes a weight set written by Marshal.
func (w *Weights) Unmarshal(b []byte) error {
	w.Tensors = nil
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if num != weightsTensor {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		msg, n, err := consumeBytesField(b, typ)
		if err != nil {
			return err
		}
		b = b[n:]
		t, err := unmarshalTensor(msg)
		if err != nil {
			return err
		}
		w.Tensors = append(w.Tensors, t)
	}
	return nil
}

func unmarshalTensor(b []byte) (WeightTensor, error) {
	var t WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case tensorName:
			v, n, err := consumeBytesField(b, typ)
			if err != nil {
				return t, err
			}
			t.Name = string(v)
			b = b[n:]
		case tensorShape:
			v, n, err := consumeBytesField(b, typ)
			if err != nil {
				return t, err
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return t, protowire.ParseError(m)
				}
				t.Shape = append(t.Shape, int(d))
				v = v[m:]
			}
			b = b[n:]
		case tensorOffset:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			t.Offset = int(v)
			b = b[n:]
		case tensorData:
			v, n, err := consumeBytesField(b, typ)
			if err != nil {
				return t, err
			}
			if len(v)%4 != 0 {
				return t, fmt.Errorf("tensor %s: packed data length %d", t.Name, len(v))
			}
			t.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return t, protowire.ParseError(m)
				}
				t.Data = append(t.Data, math.Float32frombits(bits))
				v = v[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return t, nil
}
