package checkpoints

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMergeShards(t *testing.T) {
	shard0 := &Weights{Tensors: []WeightTensor{
		{Name: "a", Shape: []int{2, 2}, Offset: 0, Data: []float32{1, 2}},
		{Name: "b", Shape: []int{3}, Offset: 0, Data: []float32{7, 8, 9}},
	}}
	shard1 := &Weights{Tensors: []WeightTensor{
		{Name: "a", Shape: []int{2, 2}, Offset: 2, Data: []float32{3, 4}},
	}}

	merged, err := Merge(shard0, nil, shard1)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	want := &Weights{Tensors: []WeightTensor{
		{Name: "a", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		{Name: "b", Shape: []int{3}, Data: []float32{7, 8, 9}},
	}}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Errorf("merged weights mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeIncomplete(t *testing.T) {
	shard := &Weights{Tensors: []WeightTensor{
		{Name: "a", Shape: []int{4}, Offset: 0, Data: []float32{1, 2}},
	}}
	if _, err := Merge(shard); !errors.Is(err, ErrIncompleteWeights) {
		t.Errorf("expected ErrIncompleteWeights, got %v", err)
	}
}

func TestMergeOutOfRange(t *testing.T) {
	shard := &Weights{Tensors: []WeightTensor{
		{Name: "a", Shape: []int{2}, Offset: 1, Data: []float32{1, 2}},
	}}
	if _, err := Merge(shard); err == nil {
		t.Error("expected out of range error")
	}
}

func TestWeightsWireSkipsUnknownFields(t *testing.T) {
	w := &Weights{Tensors: []WeightTensor{{Name: "x", Shape: []int{1}, Offset: 4, Data: []float32{3.5}}}}
	data := w.Marshal()
	// field 15, varint 1
	data = append(data, 0x78, 0x01)

	var got Weights
	if err := got.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(w, &got); diff != "" {
		t.Errorf("weights mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRecordTruncated(t *testing.T) {
	data := MarshalRecord(testRecord())
	var rec Record
	if err := UnmarshalRecord(data[:len(data)-1], &rec); err == nil {
		t.Error("expected error for truncated record")
	}
}
