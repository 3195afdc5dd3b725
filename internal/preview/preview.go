// Package preview turns a decoded frame into the small JPEG thumbnail that
// accompanies every upload.
package preview

import (
	"encoding/base64"
	"fmt"

	"github.com/comptonizing/ekos-lightbucket/internal/fits"
)

// Processing stages, in the order they run.
const (
	StageDebayer  = "debayer"
	StageStretch  = "stretch"
	StageReduce   = "reduce"
	StageBlur     = "blur"
	StageResample = "resample"
	StageCompress = "compress"
)

const (
	DefaultLongAxis = 300
	DefaultQuality  = 70
)

// ProcessingError wraps the failure of a single stage.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("image processing failed at %s: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Thumbnail is a base64 encoded JPEG and its pixel size.
type Thumbnail struct {
	Data   string
	Width  int
	Height int
}

// Source is what the normalizer needs from a decoded frame.
type Source interface {
	Raster() fits.Raster
	BayerPattern() (fits.Optional[string], error)
}

// Options tune the normalizer. Zero values select the defaults.
type Options struct {
	// LongAxis is the size of the longer thumbnail side.
	LongAxis int
	Quality  int
	// MedianBlur is the odd median kernel size applied after 8-bit
	// reduction; 0 disables it.
	MedianBlur int
}

// Normalizer runs debayer, auto-stretch, 8-bit reduction, optional median
// blur, resample and compress.
type Normalizer struct {
	opts  Options
	codec Codec
}

// NewNormalizer returns a normalizer using codec for resampling and encoding.
// A nil codec selects the native implementation.
func NewNormalizer(opts Options, codec Codec) *Normalizer {
	if opts.LongAxis <= 0 {
		opts.LongAxis = DefaultLongAxis
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if codec == nil {
		codec = NativeCodec{}
	}
	return &Normalizer{opts: opts, codec: codec}
}

// Process produces the thumbnail for src. It never returns a partial result.
func (n *Normalizer) Process(src Source) (Thumbnail, error) {
	raster := src.Raster()
	if raster.Width <= 0 || raster.Height <= 0 || len(raster.Pix) != raster.Width*raster.Height*raster.Channels {
		return Thumbnail{}, &ProcessingError{Stage: StageDebayer,
			Err: fmt.Errorf("invalid raster %dx%dx%d", raster.Width, raster.Height, raster.Channels)}
	}
	w, h := TargetSize(raster.Width, raster.Height, n.opts.LongAxis)

	pattern, err := src.BayerPattern()
	if err != nil {
		return Thumbnail{}, &ProcessingError{Stage: StageDebayer, Err: err}
	}
	if pattern.Present {
		if raster, err = Debayer(raster, pattern.Value); err != nil {
			return Thumbnail{}, &ProcessingError{Stage: StageDebayer, Err: err}
		}
	}

	img := ToEightBit(AutoStretch(raster))

	if n.opts.MedianBlur > 0 {
		if img, err = MedianBlur(img, n.opts.MedianBlur); err != nil {
			return Thumbnail{}, &ProcessingError{Stage: StageBlur, Err: err}
		}
	}

	small, err := n.codec.Resize(img, w, h)
	if err != nil {
		return Thumbnail{}, &ProcessingError{Stage: StageResample, Err: err}
	}
	data, err := n.codec.Encode(small, n.opts.Quality)
	if err != nil {
		return Thumbnail{}, &ProcessingError{Stage: StageCompress, Err: err}
	}
	return Thumbnail{
		Data:   base64.StdEncoding.EncodeToString(data),
		Width:  small.Width,
		Height: small.Height,
	}, nil
}

// TargetSize scales width x height so the longer side equals long. The
// shorter side is floor(long*short/longer) and never less than 1.
func TargetSize(width, height, long int) (int, int) {
	if width >= height {
		return long, max(1, long*height/width)
	}
	return max(1, long*width/height), long
}
