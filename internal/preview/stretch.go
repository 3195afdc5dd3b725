package preview

import (
	"math"

	"github.com/comptonizing/ekos-lightbucket/internal/fits"
)

const (
	targetBackground = 0.25
	shadowsClip      = -1.25
	workingScale     = 1 << 16
)

// Image8 is an interleaved 8-bit image.
type Image8 struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// AutoStretch applies a midtones transfer function to each channel
// independently. The black point sits 1.25 mean absolute deviations below
// the channel median and the midtone balance targets a 0.25 background.
func AutoStretch(src fits.Raster) fits.Raster {
	out := fits.Raster{Width: src.Width, Height: src.Height, Channels: src.Channels, Pix: make([]uint16, len(src.Pix))}
	n := src.Width * src.Height
	if n == 0 {
		return out
	}
	for c := 0; c < src.Channels; c++ {
		var hist [workingScale]uint32
		for i := c; i < len(src.Pix); i += src.Channels {
			hist[src.Pix[i]]++
		}
		lut := stretchTable(&hist, n)
		for i := c; i < len(src.Pix); i += src.Channels {
			out.Pix[i] = lut[src.Pix[i]]
		}
	}
	return out
}

func stretchTable(hist *[workingScale]uint32, n int) []uint16 {
	lut := make([]uint16, workingScale)

	lo, hi := -1, -1
	for v, cnt := range hist {
		if cnt == 0 {
			continue
		}
		if lo < 0 {
			lo = v
		}
		hi = v
	}
	// Constant channels sitting at either end of the range are left alone;
	// any other constant channel flattens to mid grey below.
	if lo == hi && (lo == 0 || lo == workingScale-1) {
		for v := range lut {
			lut[v] = uint16(v)
		}
		return lut
	}

	c0, m := stretchParams(hist, n)
	for v := range lut {
		lut[v] = quantize(mtf(float64(v)/workingScale, float64(c0), float64(m)))
	}
	return lut
}

// stretchParams returns the shadows clip point and midtone balance of a
// channel. Both are held in single precision, as is the median.
func stretchParams(hist *[workingScale]uint32, n int) (c0, m float32) {
	// Value at index n/2 of the sorted samples.
	var median float32
	var seen int
	for v, cnt := range hist {
		seen += int(cnt)
		if seen > n/2 {
			median = float32(v) / workingScale
			break
		}
	}
	var sum float64
	for v, cnt := range hist {
		if cnt > 0 {
			sum += float64(cnt) * math.Abs(float64(float32(v)/workingScale-median))
		}
	}
	dev := float32(sum / float64(n))

	c0 = float32(float64(median) + shadowsClip*float64(dev))
	d := float64(median - c0)
	m = float32((targetBackground - 1) * d / ((2*targetBackground-1)*d - targetBackground))
	return c0, m
}

func mtf(v, c0, m float64) float64 {
	if v < c0 {
		return 0
	}
	if v == m {
		return 0.5
	}
	x := (v - c0) / (1 - c0)
	out := (m - 1) * x / ((2*m-1)*x - m)
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0.5
	}
	return min(max(out, 0), 1)
}

func quantize(f float64) uint16 {
	v := math.Round(f * workingScale)
	if v >= workingScale-1 {
		return workingScale - 1
	}
	return uint16(v)
}

// ToEightBit reduces each sample to round(v/256), saturating at 255.
func ToEightBit(src fits.Raster) *Image8 {
	out := &Image8{Width: src.Width, Height: src.Height, Channels: src.Channels, Pix: make([]uint8, len(src.Pix))}
	for i, v := range src.Pix {
		out.Pix[i] = uint8(min((uint32(v)+128)>>8, 255))
	}
	return out
}
