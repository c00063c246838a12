package tensor

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDTypeSize(t *testing.T) {
	cases := []struct {
		dtype DType
		size  int
	}{
		{F32, 4},
		{F16, 2},
		{BF16, 2},
		{DType(99), 0},
	}
	for _, tc := range cases {
		if got := tc.dtype.Size(); got != tc.size {
			t.Errorf("%s.Size(): got %d, want %d", tc.dtype, got, tc.size)
		}
	}
}

func TestDecodeTo(t *testing.T) {
	le16 := func(vals ...uint16) []byte {
		out := make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], v)
		}
		return out
	}

	t.Run("f16", func(t *testing.T) {
		// 1.0, -2.0, zero, smallest subnormal, +inf.
		raw := le16(0x3c00, 0xc000, 0x0000, 0x0001, 0x7c00)
		got := make([]float32, 5)
		if err := DecodeTo(got, raw, F16); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := []float32{1, -2, 0, 5.9604645e-8, float32(math.Inf(1))}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("f16 decode (-want +got):\n%s", diff)
		}
	})

	t.Run("bf16", func(t *testing.T) {
		// bf16 is the top half of the float32 bit pattern.
		raw := le16(0x3f80, 0xc040, 0x0000)
		got := make([]float32, 3)
		if err := DecodeTo(got, raw, BF16); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := []float32{1, -3, 0}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("bf16 decode (-want +got):\n%s", diff)
		}
	})

	t.Run("f32 passthrough", func(t *testing.T) {
		raw := make([]byte, 8)
		binary.LittleEndian.PutUint32(raw, math.Float32bits(42))
		binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-0.5))
		got := make([]float32, 2)
		if err := DecodeTo(got, raw, F32); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if diff := cmp.Diff([]float32{42, -0.5}, got); diff != "" {
			t.Fatalf("f32 decode (-want +got):\n%s", diff)
		}
	})

	t.Run("short buffer", func(t *testing.T) {
		if err := DecodeTo(make([]float32, 4), make([]byte, 4), F32); err == nil {
			t.Fatalf("short buffer accepted")
		}
	})

	t.Run("unknown dtype", func(t *testing.T) {
		if err := DecodeTo(make([]float32, 1), make([]byte, 4), DType(99)); err == nil {
			t.Fatalf("unknown dtype accepted")
		}
	})
}

// TestReadF32DecodesHalfPrecision writes raw f16 bits into a declared tensor
// and checks ReadF32 hands back decoded float32 values.
func TestReadF32DecodesHalfPrecision(t *testing.T) {
	s := testSession(t)
	m := NewMap(s)
	d, err := m.Declare("weights/h", []int{4}, F16)
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	raw, err := s.Bytes(d.Addr, d.SizeBytes())
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	for i, bits := range []uint16{0x3c00, 0x4000, 0xb800, 0x0000} { // 1, 2, -0.5, 0
		binary.LittleEndian.PutUint16(raw[i*2:], bits)
	}

	got, err := ReadF32(s, d)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2, -0.5, 0}, got); diff != "" {
		t.Fatalf("half read (-want +got):\n%s", diff)
	}
}
