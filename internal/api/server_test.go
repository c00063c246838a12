package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/loom/internal/device"
	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/rt"
	"github.com/samcharles93/loom/internal/tensor"
)

func newTestEcho(t *testing.T) (*echo.Echo, *rt.Runtime) {
	t.Helper()
	session, err := device.OpenArena(3, 1<<20)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })

	runtime := rt.New(session, nil)
	server := NewServer(runtime)
	e := echo.New()
	server.Register(e)
	return e, runtime
}

func doGet(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, strings.NewReader(""))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	e, runtime := newTestEcho(t)
	if err := runtime.Kernels.Register(7, kernel.Vector, []byte{1, 2, 3}); err != nil {
		t.Fatalf("register kernel: %v", err)
	}
	if _, err := runtime.Tensors.Declare("status/x", []int{8}, tensor.F32); err != nil {
		t.Fatalf("declare tensor: %v", err)
	}

	rec := doGet(t, e, "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var status StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.DeviceID != 3 {
		t.Fatalf("device id: got %d, want 3", status.DeviceID)
	}
	if status.Kernels != 1 || status.Tensors != 1 {
		t.Fatalf("counts: kernels=%d tensors=%d", status.Kernels, status.Tensors)
	}
	if status.Aborted {
		t.Fatalf("fresh session reported aborted")
	}
}

func TestKernelAndTensorListings(t *testing.T) {
	t.Parallel()

	e, runtime := newTestEcho(t)
	if err := runtime.Kernels.Register(0, kernel.Matrix, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("register kernel: %v", err)
	}
	if _, err := runtime.Tensors.Declare("list/q", []int{4, 16}, tensor.F32); err != nil {
		t.Fatalf("declare tensor: %v", err)
	}

	rec := doGet(t, e, "/v1/kernels")
	if rec.Code != http.StatusOK {
		t.Fatalf("kernels: got %d body=%s", rec.Code, rec.Body.String())
	}
	var kernels KernelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &kernels); err != nil {
		t.Fatalf("decode kernels: %v", err)
	}
	if len(kernels.Kernels) != 1 {
		t.Fatalf("kernel count: got %d, want 1", len(kernels.Kernels))
	}
	if kernels.Kernels[0].Unit != "matrix" || kernels.Kernels[0].SizeBytes != 2 {
		t.Fatalf("unexpected kernel info: %+v", kernels.Kernels[0])
	}

	rec = doGet(t, e, "/v1/tensors")
	if rec.Code != http.StatusOK {
		t.Fatalf("tensors: got %d body=%s", rec.Code, rec.Body.String())
	}
	var tensors TensorsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tensors); err != nil {
		t.Fatalf("decode tensors: %v", err)
	}
	if len(tensors.Tensors) != 1 {
		t.Fatalf("tensor count: got %d, want 1", len(tensors.Tensors))
	}
	info := tensors.Tensors[0]
	if info.Name != "list/q" || info.SizeBytes != 4*16*4 {
		t.Fatalf("unexpected tensor info: %+v", info)
	}
}

func TestChannelListing(t *testing.T) {
	t.Parallel()

	e, runtime := newTestEcho(t)
	if _, err := runtime.OpenChannel("list/scores", 4, kernel.Matrix, kernel.Vector); err != nil {
		t.Fatalf("open channel: %v", err)
	}

	rec := doGet(t, e, "/v1/channels")
	if rec.Code != http.StatusOK {
		t.Fatalf("channels: got %d body=%s", rec.Code, rec.Body.String())
	}
	var channels ChannelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &channels); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	if len(channels.Channels) != 1 {
		t.Fatalf("channel count: got %d, want 1", len(channels.Channels))
	}
	ch := channels.Channels[0]
	if ch.Capacity != 4 || ch.Occupied != 0 || ch.Producer != "matrix" || ch.Consumer != "vector" {
		t.Fatalf("unexpected channel info: %+v", ch)
	}
}
