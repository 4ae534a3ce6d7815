// Package imageproc converts between images and the channel-first float
// tensors the pipeline consumes and produces.
package imageproc

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ollama/vidgen/ml"
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
	ResizeLanczos
)

// lanczos3 is the three lobe Lanczos filter.
var lanczos3 = &draw.Kernel{Support: 3, At: func(t float64) float64 {
	if t == 0 {
		return 1
	}

	x := math.Pi * t
	return 3 * math.Sin(x) * math.Sin(x/3) / (x * x)
}}

var kernels = map[int]draw.Interpolator{
	ResizeBilinear:        draw.BiLinear,
	ResizeNearestNeighbor: draw.NearestNeighbor,
	ResizeApproxBilinear:  draw.ApproxBiLinear,
	ResizeCatmullrom:      draw.CatmullRom,
	ResizeLanczos:         lanczos3,
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) (*image.RGBA, error) {
	kernel, ok := kernels[method]
	if !ok {
		return nil, fmt.Errorf("imageproc: unknown resize method %d", method)
	}

	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

// Fit resizes img to width x height with Lanczos resampling unless it
// already has that size.
func Fit(img image.Image, width, height int) (image.Image, error) {
	if b := img.Bounds(); b.Dx() == width && b.Dy() == height {
		return img, nil
	}

	return Resize(img, image.Point{width, height}, ResizeLanczos)
}

// normalize maps a byte value to [-1, 1].
func normalize(v uint8) float32 {
	return float32(v)/255*2 - 1
}

// RGB returns the channel-first (3, H, W) values of img in [-1, 1]. Alpha
// is discarded.
func RGB(img image.Image) []float32 {
	b := img.Bounds()
	plane := b.Dx() * b.Dy()
	vals := make([]float32, 3*plane)

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			vals[i] = normalize(c.R)
			vals[plane+i] = normalize(c.G)
			vals[2*plane+i] = normalize(c.B)
			i++
		}
	}

	return vals
}

// Gray returns the (1, H, W) luma values of img in [-1, 1].
func Gray(img image.Image) []float32 {
	b := img.Bounds()
	vals := make([]float32, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			vals = append(vals, normalize(c.Y))
		}
	}

	return vals
}

// Binarize thresholds normalized mask values at 0.5. Since values are
// already in [-1, 1], only bytes of 192 and above become 1.
func Binarize(mask []float32) []float32 {
	out := make([]float32, len(mask))
	for i, v := range mask {
		if v >= 0.5 {
			out[i] = 1
		}
	}
	return out
}

// ApplyMask zeroes every channel of hint where mask is set. hint holds
// channels planes of the mask's size.
func ApplyMask(hint, mask []float32, channels int) ([]float32, error) {
	if len(mask) == 0 || channels <= 0 || len(hint) != channels*len(mask) {
		return nil, fmt.Errorf("imageproc: %d hint values are not %d planes of %d mask values", len(hint), channels, len(mask))
	}

	out := make([]float32, len(hint))
	for i, v := range hint {
		if mask[i%len(mask)] < 0.5 {
			out[i] = v
		}
	}
	return out, nil
}

// Quantize maps a decoded value in [-1, 1] to a byte.
func Quantize(v float32) uint8 {
	return toByte(max(0, min(float64(v)/2+0.5, 1)) * 255)
}

// toByte rounds half to even.
func toByte(f float64) uint8 {
	return uint8(max(0, min(math.RoundToEven(f), 255)))
}

// ToImage converts a channel-first (3, H, W) tensor to an opaque image.
func ToImage(t *ml.Tensor) (*image.RGBA, error) {
	if t.NumDims() != 3 || t.Dim(0) != 3 {
		return nil, fmt.Errorf("imageproc: %w: want (3, H, W), got %v", ml.ErrShape, t.Shape())
	}

	h, w := t.Dim(1), t.Dim(2)
	plane := h * w
	data := t.Floats()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range plane {
		img.Pix[4*i] = Quantize(data[i])
		img.Pix[4*i+1] = Quantize(data[plane+i])
		img.Pix[4*i+2] = Quantize(data[2*plane+i])
		img.Pix[4*i+3] = 0xff
	}

	return img, nil
}

// ResizeNearest resizes the trailing two axes of t to (h, w), sampling the
// source pixel whose center is nearest to each destination pixel center.
func ResizeNearest(t *ml.Tensor, h, w int) (*ml.Tensor, error) {
	n := t.NumDims()
	if n < 2 {
		return nil, fmt.Errorf("imageproc: %w: cannot resize %v", ml.ErrShape, t.Shape())
	}

	srcH, srcW := t.Dim(n-2), t.Dim(n-1)
	if srcH == h && srcW == w {
		return t, nil
	}

	rows := make([]int, h)
	for y := range rows {
		rows[y] = min(int((float64(y)+0.5)*float64(srcH)/float64(h)), srcH-1)
	}

	cols := make([]int, w)
	for x := range cols {
		cols[x] = min(int((float64(x)+0.5)*float64(srcW)/float64(w)), srcW-1)
	}

	shape := t.Shape()
	shape[n-2], shape[n-1] = h, w
	planes := t.NumElements() / (srcH * srcW)

	src := t.Floats()
	dst := make([]float32, 0, planes*h*w)
	for p := range planes {
		base := src[p*srcH*srcW:]
		for _, y := range rows {
			for _, x := range cols {
				dst = append(dst, base[y*srcW+x])
			}
		}
	}

	return ml.NewTensor(dst, shape...)
}

// Decode reads a png, jpeg, webp, bmp or tiff image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("imageproc: %w", err)
	}
	return img, nil
}

func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}
