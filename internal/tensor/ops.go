package tensor

import "math"

// Elementwise and reduction primitives used by the simulated execution units
// and the golden oracle. All operate on row-major float32 data and panic on
// out-of-range indices the same way slices do.

// Add stores a[i]+b[i] into dst.
func Add(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}

// AddScalar stores src[i]+s into dst.
func AddScalar(dst, src []float32, s float32) {
	for i := range dst {
		dst[i] = src[i] + s
	}
}

// Mul stores a[i]*b[i] into dst.
func Mul(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
}

// Scale stores src[i]*s into dst.
func Scale(dst, src []float32, s float32) {
	for i := range dst {
		dst[i] = src[i] * s
	}
}

// RowMax writes the maximum of each r×c row into dst (length r).
func RowMax(dst, src []float32, r, c int) {
	for i := 0; i < r; i++ {
		row := src[i*c : i*c+c]
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		dst[i] = maxv
	}
}

// RowSum writes the sum of each r×c row into dst (length r).
func RowSum(dst, src []float32, r, c int) {
	for i := 0; i < r; i++ {
		row := src[i*c : i*c+c]
		var sum float32
		for _, v := range row {
			sum += v
		}
		dst[i] = sum
	}
}

// ExpSubRow stores exp(src[i][j] - sub[i]) into dst for an r×c block.
// Subtracting the row maximum before exponentiation keeps the result in
// (0, 1] regardless of the score magnitudes.
func ExpSubRow(dst, src, sub []float32, r, c int) {
	for i := 0; i < r; i++ {
		s := sub[i]
		for j := 0; j < c; j++ {
			dst[i*c+j] = float32(math.Exp(float64(src[i*c+j] - s)))
		}
	}
}

// Matmul computes C = A·B for A (m×k) and B (k×n), all row-major.
func Matmul(dst, a, b []float32, m, k, n int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for p := 0; p < k; p++ {
				sum += a[i*k+p] * b[p*n+j]
			}
			dst[i*n+j] = sum
		}
	}
}

// MatmulBT computes C = A·Bᵀ for A (m×k) and B (n×k), the query-key score
// layout: keys are stored row-major per position.
func MatmulBT(dst, a, b []float32, m, k, n int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for p := 0; p < k; p++ {
				sum += a[i*k+p] * b[j*k+p]
			}
			dst[i*n+j] = sum
		}
	}
}

// Softmax applies a numerically-stable softmax to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}
