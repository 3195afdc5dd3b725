package preview

import (
	"fmt"

	"github.com/comptonizing/ekos-lightbucket/internal/fits"
)

// UnsupportedBayerPatternError reports a BAYERPAT value that is not one of
// RGGB, GRBG, BGGR or GBRG.
type UnsupportedBayerPatternError struct {
	Name string
}

func (e *UnsupportedBayerPatternError) Error() string {
	return fmt.Sprintf("unsupported bayer pattern %q", e.Name)
}

const (
	red = iota
	green
	blue
)

var bayerPatterns = map[string][4]int{
	"RGGB": {red, green, green, blue},
	"GRBG": {green, red, blue, green},
	"BGGR": {blue, green, green, red},
	"GBRG": {green, blue, red, green},
}

// Debayer demosaics a single-channel mosaic into interleaved RGB using
// bilinear interpolation: each missing color is the average of the same
// colored sites in the 3x3 neighbourhood. Pattern names are case-sensitive.
func Debayer(src fits.Raster, pattern string) (fits.Raster, error) {
	layout, ok := bayerPatterns[pattern]
	if !ok {
		return fits.Raster{}, &UnsupportedBayerPatternError{Name: pattern}
	}
	if src.Channels != 1 {
		return fits.Raster{}, fmt.Errorf("debayer needs a single channel, got %d", src.Channels)
	}
	w, h := src.Width, src.Height
	out := fits.Raster{Width: w, Height: h, Channels: 3, Pix: make([]uint16, w*h*3)}
	colorAt := func(x, y int) int { return layout[(y%2)*2+x%2] }

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [3]uint32
			var cnt [3]uint32
			for dy := -1; dy <= 1; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					c := colorAt(xx, yy)
					sum[c] += uint32(src.Pix[yy*w+xx])
					cnt[c]++
				}
			}
			own := colorAt(x, y)
			o := (y*w + x) * 3
			for c := 0; c < 3; c++ {
				switch {
				case c == own:
					out.Pix[o+c] = src.Pix[y*w+x]
				case cnt[c] > 0:
					out.Pix[o+c] = uint16((sum[c] + cnt[c]/2) / cnt[c])
				}
			}
		}
	}
	return out, nil
}
