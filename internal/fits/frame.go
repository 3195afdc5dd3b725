// Package fits decodes the primary image HDU of FITS files written by
// capture software and exposes typed, lazily cached header metadata.
package fits

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
)

// Raster is a row-major, channel-interleaved 16-bit pixel buffer.
type Raster struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint16
}

// Frame is a decoded FITS image. The pixel buffer and dimensions never change
// after Open; only the metadata cache is filled in on demand.
type Frame struct {
	Path   string
	Width  int
	Height int
	BitPix int
	// Mean is the mean physical pixel value before normalization.
	Mean float64

	pix    []uint16
	header *Header

	object, telescope, instrument, filter, binning, obsTime, bayer lazy[string]
	focalLength, aperture, pixelSize, scale, exposure, rotation    lazy[float64]
	ra, dec                                                        lazy[float64]
	gain, offset                                                   lazy[int]
}

// Optional is a header value that may be absent from the file.
type Optional[T any] struct {
	Value   T
	Present bool
}

// Get returns the value and whether it was present.
func (o Optional[T]) Get() (T, bool) { return o.Value, o.Present }

func present[T any](v T) Optional[T] { return Optional[T]{Value: v, Present: true} }

type lazy[T any] struct {
	once sync.Once
	val  Optional[T]
	err  error
}

func (l *lazy[T]) get(read func() (Optional[T], error)) (Optional[T], error) {
	l.once.Do(func() { l.val, l.err = read() })
	return l.val, l.err
}

// Open reads the header and the full pixel array of path.
func Open(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	frame, err := decode(bufio.NewReaderSize(f, 1<<16), info.Size())
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	frame.Path = path
	return frame, nil
}

// decode reads a primary HDU of fileSize bytes. The declared data size is
// checked against fileSize before anything is allocated for it.
func decode(r io.Reader, fileSize int64) (*Frame, error) {
	hdr, headerBytes, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	// NAXIS1 is the fast (column) axis.
	width, err := hdr.Int("NAXIS1")
	if err != nil {
		return nil, err
	}
	height, err := hdr.Int("NAXIS2")
	if err != nil {
		return nil, err
	}
	bitpix, err := hdr.Int("BITPIX")
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%d", width, height)
	}
	if naxis, err := hdr.Int("NAXIS"); err == nil && naxis > 2 {
		for axis := 3; axis <= naxis; axis++ {
			if n, err := hdr.Int(fmt.Sprintf("NAXIS%d", axis)); err == nil && n > 1 {
				return nil, fmt.Errorf("image cubes are not supported (NAXIS%d=%d)", axis, n)
			}
		}
	}
	size, err := sampleSize(bitpix)
	if err != nil {
		return nil, err
	}

	// Both axes are capped at MaxInt32, so the pixel count fits in int64.
	n := int64(width) * int64(height)
	if avail := fileSize - headerBytes; avail < 0 || n > avail/int64(size) {
		return nil, fmt.Errorf("pixel data for %dx%d BITPIX %d needs %d bytes, file has %d",
			width, height, bitpix, n*int64(size), max(avail, 0))
	}

	bzero, bscale := 0.0, 1.0
	if hdr.Has("BZERO") {
		if bzero, err = hdr.Float("BZERO"); err != nil {
			return nil, err
		}
	}
	if hdr.Has("BSCALE") {
		if bscale, err = hdr.Float("BSCALE"); err != nil {
			return nil, err
		}
	}

	raw := make([]byte, int(n)*size)
	if _, err := io.ReadFull(r, raw); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading pixel data: %w", err)
	}
	px := samples{raw: raw, bitpix: bitpix, size: size, bzero: bzero, bscale: bscale}

	// First pass: mean of the physical values and, for floating data, whether
	// they already use the 16-bit range.
	var sum float64
	wide := false
	for i := 0; i < int(n); i++ {
		v := px.at(i)
		sum += v
		if v > 1 {
			wide = true
		}
	}
	scale := math.Exp2(16 - float64(bitpix))
	if bitpix < 0 {
		scale = 65535
		if wide {
			scale = 1
		}
	}

	frame := &Frame{
		Width:  width,
		Height: height,
		BitPix: bitpix,
		Mean:   sum / float64(n),
		header: hdr,
		pix:    make([]uint16, n),
	}
	for i := range frame.pix {
		frame.pix[i] = clamp16(px.at(i) * scale)
	}
	return frame, nil
}

func clamp16(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 65535:
		return 65535
	default:
		return uint16(v)
	}
}

func sampleSize(bitpix int) (int, error) {
	switch bitpix {
	case 8, 16, 32, 64, -32, -64:
		return abs(bitpix) / 8, nil
	default:
		return 0, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
}

// samples reads physical values straight out of the big-endian data unit.
type samples struct {
	raw           []byte
	bitpix, size  int
	bzero, bscale float64
}

func (s samples) at(i int) float64 {
	b := s.raw[i*s.size:]
	be := binary.BigEndian
	var v float64
	switch s.bitpix {
	case 8:
		v = float64(b[0])
	case 16:
		v = float64(int16(be.Uint16(b)))
	case 32:
		v = float64(int32(be.Uint32(b)))
	case 64:
		v = float64(int64(be.Uint64(b)))
	case -32:
		v = float64(math.Float32frombits(be.Uint32(b)))
	case -64:
		v = math.Float64frombits(be.Uint64(b))
	}
	return s.bzero + s.bscale*v
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Raster returns the normalized single-channel pixel buffer. Callers must not
// modify Pix.
func (f *Frame) Raster() Raster {
	return Raster{Width: f.Width, Height: f.Height, Channels: 1, Pix: f.pix}
}

// Header exposes the parsed header records.
func (f *Frame) Header() *Header { return f.header }

func optional[T any](v T, err error) (Optional[T], error) {
	if errors.Is(err, ErrKeyNotFound) {
		return Optional[T]{}, nil
	}
	if err != nil {
		return Optional[T]{}, err
	}
	return present(v), nil
}

func (f *Frame) stringKey(l *lazy[string], key string) (Optional[string], error) {
	return l.get(func() (Optional[string], error) { return optional(f.header.String(key)) })
}

func (f *Frame) floatKey(l *lazy[float64], key string) (Optional[float64], error) {
	return l.get(func() (Optional[float64], error) { return optional(f.header.Float(key)) })
}

func (f *Frame) intKey(l *lazy[int], key string) (Optional[int], error) {
	return l.get(func() (Optional[int], error) { return optional(f.header.Int(key)) })
}

func (f *Frame) Object() (Optional[string], error)     { return f.stringKey(&f.object, "OBJECT") }
func (f *Frame) Telescope() (Optional[string], error)  { return f.stringKey(&f.telescope, "TELESCOP") }
func (f *Frame) Instrument() (Optional[string], error) { return f.stringKey(&f.instrument, "INSTRUME") }
func (f *Frame) Filter() (Optional[string], error)     { return f.stringKey(&f.filter, "FILTER") }

// Time is the raw DATE-OBS value.
func (f *Frame) Time() (Optional[string], error) { return f.stringKey(&f.obsTime, "DATE-OBS") }

// BayerPattern is the BAYERPAT value of one-shot-color cameras.
func (f *Frame) BayerPattern() (Optional[string], error) { return f.stringKey(&f.bayer, "BAYERPAT") }

func (f *Frame) RA() (Optional[float64], error)          { return f.floatKey(&f.ra, "RA") }
func (f *Frame) Dec() (Optional[float64], error)         { return f.floatKey(&f.dec, "DEC") }
func (f *Frame) FocalLength() (Optional[float64], error) { return f.floatKey(&f.focalLength, "FOCALLEN") }
func (f *Frame) Aperture() (Optional[float64], error)    { return f.floatKey(&f.aperture, "APTDIA") }
func (f *Frame) PixelSize() (Optional[float64], error)   { return f.floatKey(&f.pixelSize, "PIXSIZE1") }
func (f *Frame) Scale() (Optional[float64], error)       { return f.floatKey(&f.scale, "SCALE") }
func (f *Frame) Exposure() (Optional[float64], error)    { return f.floatKey(&f.exposure, "EXPTIME") }
func (f *Frame) Rotation() (Optional[float64], error)    { return f.floatKey(&f.rotation, "CROTA1") }
func (f *Frame) Offset() (Optional[int], error)          { return f.intKey(&f.offset, "OFFSET") }

// Gain reads GAIN and falls back to ISOSPEED for DSLR frames.
func (f *Frame) Gain() (Optional[int], error) {
	return f.gain.get(func() (Optional[int], error) {
		v, err := f.header.Int("GAIN")
		if errors.Is(err, ErrKeyNotFound) {
			v, err = f.header.Int("ISOSPEED")
		}
		return optional(v, err)
	})
}

// Binning formats XBINNING and YBINNING as "XxY".
func (f *Frame) Binning() (Optional[string], error) {
	return f.binning.get(func() (Optional[string], error) {
		x, err := f.header.Int("XBINNING")
		if err != nil {
			return optional("", err)
		}
		y, err := f.header.Int("YBINNING")
		if err != nil {
			return optional("", err)
		}
		return present(fmt.Sprintf("%dx%d", x, y)), nil
	})
}
