package cpu

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/roadseg/internal/parallel"
)

// patchGeometry describes how a convolution grid of gridH x gridW positions
// maps onto an image of h x w pixels with c channels.
//
// Row r = gh*gridW + gw of the patch matrix holds the kh*kw*c values under the
// kernel anchored at (gh*stride - padding, gw*stride - padding), ordered
// (kh, kw, c) so that HWIO kernels reshape to [kh*kw*c, out] without copying.
type patchGeometry struct {
	h, w, c      int
	kh, kw       int
	gridH, gridW int
	stride, pad  int
}

func (g patchGeometry) rows() int { return g.gridH * g.gridW }
func (g patchGeometry) cols() int { return g.kh * g.kw * g.c }

// im2col gathers the patches of one NHWC image into col [rows, cols].
// Out-of-image taps are zero (zero padding).
func im2col(col, img []float32, g patchGeometry, cfg parallel.Config) {
	width := g.cols()
	parallel.Range(g.rows(), cfg, func(start, end int) {
		for r := start; r < end; r++ {
			gh, gw := r/g.gridW, r%g.gridW
			h0 := gh*g.stride - g.pad
			w0 := gw*g.stride - g.pad
			dst := col[r*width : (r+1)*width]
			for kh := 0; kh < g.kh; kh++ {
				for kw := 0; kw < g.kw; kw++ {
					seg := dst[(kh*g.kw+kw)*g.c : (kh*g.kw+kw+1)*g.c]
					h, w := h0+kh, w0+kw
					if h < 0 || h >= g.h || w < 0 || w >= g.w {
						clear(seg)
						continue
					}
					copy(seg, img[(h*g.w+w)*g.c:(h*g.w+w+1)*g.c])
				}
			}
		}
	})
}

// col2im scatter-adds the patch matrix back into one NHWC image. img must be
// zeroed by the caller if accumulation is not wanted. Patches overlap, so the
// scatter is sequential.
func col2im(img, col []float32, g patchGeometry) {
	width := g.cols()
	for r := 0; r < g.rows(); r++ {
		gh, gw := r/g.gridW, r%g.gridW
		h0 := gh*g.stride - g.pad
		w0 := gw*g.stride - g.pad
		src := col[r*width : (r+1)*width]
		for kh := 0; kh < g.kh; kh++ {
			h := h0 + kh
			if h < 0 || h >= g.h {
				continue
			}
			for kw := 0; kw < g.kw; kw++ {
				w := w0 + kw
				if w < 0 || w >= g.w {
					continue
				}
				seg := src[(kh*g.kw+kw)*g.c : (kh*g.kw+kw+1)*g.c]
				dst := img[(h*g.w+w)*g.c : (h*g.w+w+1)*g.c]
				for i, v := range seg {
					dst[i] += v
				}
			}
		}
	}
}

// matrix wraps a row-major float32 slice for BLAS.
func matrix(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// gemm computes c = op(a) @ op(b) + beta*c.
func gemm(tA, tB blas.Transpose, a, b blas32.General, beta float32, c blas32.General) {
	blas32.Gemm(tA, tB, 1, a, b, beta, c)
}
