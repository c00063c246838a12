package kernel

import (
	"bytes"
	"errors"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	code := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := r.Register(3, Vector, code); err != nil {
		t.Fatalf("register: %v", err)
	}

	img, err := r.Lookup(3, Vector)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !bytes.Equal(img.Code(), code) {
		t.Fatalf("code mismatch: got %x", img.Code())
	}
	if img.Ref.FuncID != 3 || img.Ref.Unit != Vector {
		t.Fatalf("ref mismatch: %v", img.Ref)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(0, Matrix, []byte{1}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(0, Matrix, []byte{2})
	if !errors.Is(err, ErrDuplicateKernel) {
		t.Fatalf("expected ErrDuplicateKernel, got %v", err)
	}

	// The original image must be untouched by the rejected attempt.
	img, err := r.Lookup(0, Matrix)
	if err != nil {
		t.Fatalf("lookup after duplicate: %v", err)
	}
	if !bytes.Equal(img.Code(), []byte{1}) {
		t.Fatalf("image replaced by rejected registration: %x", img.Code())
	}
}

func TestSameFuncIDDifferentUnits(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(0, Matrix, []byte{0xAA}); err != nil {
		t.Fatalf("matrix register: %v", err)
	}
	if err := r.Register(0, Vector, []byte{0xBB}); err != nil {
		t.Fatalf("vector register: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 kernels, got %d", r.Len())
	}

	m, _ := r.Lookup(0, Matrix)
	v, _ := r.Lookup(0, Vector)
	if bytes.Equal(m.Code(), v.Code()) {
		t.Fatalf("units share an image")
	}
}

func TestUnknownKernel(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup(42, Vector); !errors.Is(err, ErrUnknownKernel) {
		t.Fatalf("expected ErrUnknownKernel, got %v", err)
	}
}

func TestRegisterEmptyCode(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(1, Vector, nil); !errors.Is(err, ErrEmptyKernel) {
		t.Fatalf("expected ErrEmptyKernel, got %v", err)
	}
}

func TestImageCodeIsIsolated(t *testing.T) {
	src := []byte{1, 2, 3}
	img := NewImage(9, Vector, src)
	src[0] = 99
	if img.Code()[0] != 1 {
		t.Fatalf("image aliases caller slice")
	}

	cp := img.Code()
	cp[1] = 77
	again := img.Code()
	if again[1] != 2 {
		t.Fatalf("returned code aliases internal slice")
	}
}

func TestStubToolchain(t *testing.T) {
	tc := StubToolchain{}

	a, err := tc.Compile("kernel one", Vector)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b, err := tc.Compile("kernel one", Vector)
	if err != nil {
		t.Fatalf("recompile: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("stub compilation not deterministic")
	}

	c, err := tc.Compile("kernel two", Vector)
	if err != nil {
		t.Fatalf("compile second: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatalf("distinct sources produced identical images")
	}

	if _, err := tc.Compile("", Vector); !errors.Is(err, ErrCompile) {
		t.Fatalf("expected ErrCompile for empty source, got %v", err)
	}
	if _, err := tc.Compile("kernel", Control); !errors.Is(err, ErrCompile) {
		t.Fatalf("expected ErrCompile for control target, got %v", err)
	}
}
