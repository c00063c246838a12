package oracle

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/loom/internal/attention"
	"github.com/samcharles93/loom/internal/device"
	"github.com/samcharles93/loom/internal/rt"
)

func testRuntime(t *testing.T, deviceID int) *rt.Runtime {
	t.Helper()
	session, err := device.OpenArena(deviceID, 16<<20)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	r := rt.New(session, nil)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testParams(deviceID int) rt.LaunchParams {
	return rt.LaunchParams{
		DispatcherThreads:  2,
		UnitParallelism:    1,
		DeviceID:           deviceID,
		ControlBinary:      []byte("ctrl"),
		VectorEngineBinary: []byte("engine"),
	}
}

func TestCompare(t *testing.T) {
	want := []float32{1, 2, 3}

	if err := Compare([]float32{1, 2, 3.0000001}, want, DefaultRTol, DefaultATol); err != nil {
		t.Fatalf("within tolerance: %v", err)
	}
	if err := Compare([]float32{1, 2.1, 3}, want, DefaultRTol, DefaultATol); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := Compare([]float32{1, 2}, want, DefaultRTol, DefaultATol); !errors.Is(err, ErrValidation) {
		t.Fatalf("length mismatch: expected ErrValidation, got %v", err)
	}
	nan := []float32{1, float32(math.NaN()), 3}
	if err := Compare(nan, want, DefaultRTol, DefaultATol); !errors.Is(err, ErrValidation) {
		t.Fatalf("NaN: expected ErrValidation, got %v", err)
	}
}

func TestDiff(t *testing.T) {
	s := Diff([]float32{1, 2, 10}, []float32{1, 2, 4})
	if s.Elems != 3 {
		t.Fatalf("elems: %d", s.Elems)
	}
	if s.MaxAbs != 6 || s.WorstIndex != 2 {
		t.Fatalf("max abs %g at %d", s.MaxAbs, s.WorstIndex)
	}
	if math.Abs(s.MeanAbs-2) > 1e-12 {
		t.Fatalf("mean abs %g, want 2", s.MeanAbs)
	}
}

func TestRoundTripCase(t *testing.T) {
	r := testRuntime(t, 0)
	report, err := Execute(context.Background(), r, testParams(0), RoundTrip(1024))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !report.Pass {
		t.Fatalf("report not passing: %+v", report)
	}
	if report.Stats.MaxAbs != 0 {
		t.Fatalf("exact arithmetic drifted: max abs %g", report.Stats.MaxAbs)
	}

	out, err := report.JSON()
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.Case != report.Case || !decoded.Pass {
		t.Fatalf("report round trip: %+v", decoded)
	}
	if !strings.Contains(string(out), `"rtol"`) {
		t.Fatalf("report json missing tolerance fields: %s", out)
	}
}

func TestAttentionCase(t *testing.T) {
	cfg := attention.Config{
		Batch:       1,
		GroupRows:   2,
		HeadDim:     8,
		BlockSize:   4,
		ContextLens: []int{12},
		BlockTable:  [][]int{{0, 1, 2}},
		Scale:       float32(1 / math.Sqrt(8)),
	}
	r := testRuntime(t, 0)
	report, err := Execute(context.Background(), r, testParams(0), Attention(cfg, 3))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !report.Pass {
		t.Fatalf("attention case failed: %+v", report)
	}
}

func TestAttentionInputsDeterministic(t *testing.T) {
	cfg := attention.Config{
		Batch: 1, GroupRows: 2, HeadDim: 4, BlockSize: 4,
		ContextLens: []int{4},
		BlockTable:  [][]int{{1}},
	}
	q1, k1, v1 := AttentionInputs(cfg, 42)
	q2, k2, v2 := AttentionInputs(cfg, 42)
	for i := range q1 {
		if q1[i] != q2[i] {
			t.Fatalf("query stream not deterministic at %d", i)
		}
	}
	if len(k1) != 2*cfg.BlockSize*cfg.HeadDim {
		t.Fatalf("kv sized for %d elements, want pages covering table", len(k1))
	}
	if len(k1) != len(k2) || len(v1) != len(v2) {
		t.Fatalf("stream lengths differ")
	}

	q3, _, _ := AttentionInputs(cfg, 43)
	same := true
	for i := range q1 {
		if q1[i] != q3[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("distinct seeds produced identical inputs")
	}
}
