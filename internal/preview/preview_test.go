package preview

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comptonizing/ekos-lightbucket/internal/fits"
)

type stubSource struct {
	raster  fits.Raster
	pattern fits.Optional[string]
	err     error
}

func (s stubSource) Raster() fits.Raster { return s.raster }
func (s stubSource) BayerPattern() (fits.Optional[string], error) {
	return s.pattern, s.err
}

func gradient(w, h int) fits.Raster {
	r := fits.Raster{Width: w, Height: h, Channels: 1, Pix: make([]uint16, w*h)}
	for i := range r.Pix {
		r.Pix[i] = uint16((i * 53) % 65536)
	}
	return r
}

func TestTargetSize(t *testing.T) {
	cases := []struct {
		w, h   int
		tw, th int
	}{
		{1200, 800, 300, 200},
		{800, 1200, 200, 300},
		{1000, 1000, 300, 300},
		{4144, 2822, 300, 204}, // 204.29 floors
		{1001, 1000, 300, 299}, // 299.7 floors
		{100000, 10, 300, 1},   // never below one pixel
		{150, 100, 300, 200},   // small frames are scaled up
	}
	for _, tc := range cases {
		w, h := TargetSize(tc.w, tc.h, 300)
		assert.Equal(t, [2]int{tc.tw, tc.th}, [2]int{w, h}, "%dx%d", tc.w, tc.h)
	}
}

func TestDebayerPatterns(t *testing.T) {
	src := fits.Raster{Width: 2, Height: 2, Channels: 1, Pix: []uint16{100, 200, 300, 400}}

	for _, name := range []string{"RGGB", "GRBG", "BGGR", "GBRG"} {
		out, err := Debayer(src, name)
		require.NoError(t, err, name)
		assert.Equal(t, 3, out.Channels)
		assert.Len(t, out.Pix, 12)
	}

	for _, name := range []string{"rggb", "RGB", "", "XTRANS", "RGGB "} {
		_, err := Debayer(src, name)
		var pErr *UnsupportedBayerPatternError
		require.ErrorAs(t, err, &pErr, name)
		assert.Equal(t, name, pErr.Name)
	}
}

func TestDebayerRGGBValues(t *testing.T) {
	// R G
	// G B
	src := fits.Raster{Width: 2, Height: 2, Channels: 1, Pix: []uint16{100, 200, 300, 400}}
	out, err := Debayer(src, "RGGB")
	require.NoError(t, err)
	// Every site sees the single R, the single B and both G sites.
	assert.Equal(t, []uint16{
		100, 250, 400, 100, 200, 400,
		100, 300, 400, 100, 250, 400,
	}, out.Pix)
}

func TestDebayerUniformMosaicStaysUniform(t *testing.T) {
	src := fits.Raster{Width: 6, Height: 4, Channels: 1, Pix: make([]uint16, 24)}
	for i := range src.Pix {
		src.Pix[i] = 1234
	}
	out, err := Debayer(src, "GBRG")
	require.NoError(t, err)
	for i, v := range out.Pix {
		require.Equal(t, uint16(1234), v, "sample %d", i)
	}
}

func constant(v uint16, n int) fits.Raster {
	r := fits.Raster{Width: n, Height: 1, Channels: 1, Pix: make([]uint16, n)}
	for i := range r.Pix {
		r.Pix[i] = v
	}
	return r
}

func TestAutoStretchDegenerateChannels(t *testing.T) {
	assert.Equal(t, constant(0, 16).Pix, AutoStretch(constant(0, 16)).Pix)
	assert.Equal(t, constant(65535, 16).Pix, AutoStretch(constant(65535, 16)).Pix)
	assert.Equal(t, constant(32768, 16).Pix, AutoStretch(constant(1000, 16)).Pix)
}

func TestAutoStretchMidtones(t *testing.T) {
	// Eight samples: median is sorted[4].
	src := fits.Raster{Width: 8, Height: 1, Channels: 1,
		Pix: []uint16{1000, 1100, 1200, 1300, 1400, 1500, 20000, 60000}}
	out := AutoStretch(src)

	median := float32(1400) / 65536
	var sum float64
	for _, v := range src.Pix {
		d := float32(v)/65536 - median
		if d < 0 {
			d = -d
		}
		sum += float64(d)
	}
	dev := float32(sum / 8)
	c0 := float32(float64(median) - 1.25*float64(dev))
	m := float32(-0.75 * float64(median-c0) / (-0.5*float64(median-c0) - 0.25))

	var hist [workingScale]uint32
	for _, v := range src.Pix {
		hist[v]++
	}
	gotC0, gotM := stretchParams(&hist, len(src.Pix))
	assert.InDelta(t, c0, gotC0, 1e-7)
	assert.InDelta(t, m, gotM, 1e-7)

	want := func(v uint16) uint16 {
		return quantize(mtf(float64(v)/65536, float64(c0), float64(m)))
	}

	for i, v := range src.Pix {
		assert.Equal(t, want(v), out.Pix[i], "sample %d", i)
	}
	// Monotonic and the median lands near the 0.25 target background.
	for i := 1; i < len(out.Pix); i++ {
		assert.GreaterOrEqual(t, out.Pix[i], out.Pix[i-1])
	}
	assert.InDelta(t, 0.25*65536, float64(out.Pix[4]), 0.05*65536)
}

func TestAutoStretchChannelsIndependent(t *testing.T) {
	src := fits.Raster{Width: 4, Height: 1, Channels: 3, Pix: []uint16{
		0, 500, 65535,
		0, 500, 65535,
		0, 500, 65535,
		0, 500, 65535,
	}}
	out := AutoStretch(src)
	for i := 0; i < 4; i++ {
		assert.Equal(t, []uint16{0, 32768, 65535}, out.Pix[i*3:i*3+3])
	}
}

func TestMTFSpecialCases(t *testing.T) {
	assert.Equal(t, 0.0, mtf(0.1, 0.2, 0.3))
	assert.Equal(t, 0.5, mtf(0.3, 0.2, 0.3))
	// 0/0 becomes mid grey.
	assert.Equal(t, 0.5, mtf(0.2, 0.2, 0))
	assert.Equal(t, uint16(65535), quantize(1))
	assert.Equal(t, uint16(32768), quantize(0.5))
}

func TestToEightBit(t *testing.T) {
	r := fits.Raster{Width: 5, Height: 1, Channels: 1, Pix: []uint16{0, 127, 128, 65407, 65535}}
	assert.Equal(t, []uint8{0, 0, 1, 255, 255}, ToEightBit(r).Pix)
}

func TestMedianBlurRemovesHotPixel(t *testing.T) {
	img := &Image8{Width: 5, Height: 5, Channels: 1, Pix: make([]uint8, 25)}
	for i := range img.Pix {
		img.Pix[i] = 10
	}
	img.Pix[12] = 255
	out, err := MedianBlur(img, 3)
	require.NoError(t, err)
	for i, v := range out.Pix {
		assert.Equal(t, uint8(10), v, "pixel %d", i)
	}

	_, err = MedianBlur(img, 4)
	assert.Error(t, err)
}

func TestProcessMonoProducesJPEG(t *testing.T) {
	n := NewNormalizer(Options{}, nil)
	thumb, err := n.Process(stubSource{raster: gradient(120, 80)})
	require.NoError(t, err)
	assert.Equal(t, 300, thumb.Width)
	assert.Equal(t, 200, thumb.Height)

	data, err := base64.StdEncoding.DecodeString(thumb.Data)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Width)
	assert.Equal(t, 200, cfg.Height)
}

func TestProcessColorWithBlur(t *testing.T) {
	n := NewNormalizer(Options{LongAxis: 64, MedianBlur: 3, Quality: 90}, nil)
	thumb, err := n.Process(stubSource{
		raster:  gradient(40, 60),
		pattern: fits.Optional[string]{Value: "BGGR", Present: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 42, thumb.Width)
	assert.Equal(t, 64, thumb.Height)
}

func TestProcessStageErrors(t *testing.T) {
	n := NewNormalizer(Options{}, nil)

	_, err := n.Process(stubSource{
		raster:  gradient(10, 10),
		pattern: fits.Optional[string]{Value: "rggb", Present: true},
	})
	var pErr *ProcessingError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, StageDebayer, pErr.Stage)
	var bayerErr *UnsupportedBayerPatternError
	assert.ErrorAs(t, err, &bayerErr)

	readErr := errors.New("bad card")
	_, err = n.Process(stubSource{raster: gradient(10, 10), err: readErr})
	require.ErrorAs(t, err, &pErr)
	assert.ErrorIs(t, err, readErr)

	_, err = n.Process(stubSource{raster: fits.Raster{Width: 3, Height: 3, Channels: 1, Pix: make([]uint16, 4)}})
	require.ErrorAs(t, err, &pErr)
}

type failingCodec struct{ NativeCodec }

func (failingCodec) Encode(*Image8, int) ([]byte, error) { return nil, errors.New("disk full") }

func TestProcessCompressFailure(t *testing.T) {
	n := NewNormalizer(Options{}, failingCodec{})
	thumb, err := n.Process(stubSource{raster: gradient(30, 20)})
	var pErr *ProcessingError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, StageCompress, pErr.Stage)
	assert.Empty(t, thumb.Data)
}
