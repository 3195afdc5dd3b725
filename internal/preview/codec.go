package preview

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Codec resamples and encodes 8-bit images.
type Codec interface {
	Resize(img *Image8, width, height int) (*Image8, error)
	Encode(img *Image8, quality int) ([]byte, error)
}

// NativeCodec resamples with a Lanczos filter and encodes JPEG in pure Go.
type NativeCodec struct{}

func (NativeCodec) Resize(img *Image8, width, height int) (*Image8, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	src, err := toImage(img)
	if err != nil {
		return nil, err
	}
	return fromNRGBA(imaging.Resize(src, width, height, imaging.Lanczos), img.Channels), nil
}

func (NativeCodec) Encode(img *Image8, quality int) ([]byte, error) {
	src, err := toImage(img)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func toImage(img *Image8) (image.Image, error) {
	rect := image.Rect(0, 0, img.Width, img.Height)
	switch img.Channels {
	case 1:
		return &image.Gray{Pix: img.Pix, Stride: img.Width, Rect: rect}, nil
	case 3:
		out := image.NewNRGBA(rect)
		for i, j := 0, 0; i < len(img.Pix); i, j = i+3, j+4 {
			out.Pix[j] = img.Pix[i]
			out.Pix[j+1] = img.Pix[i+1]
			out.Pix[j+2] = img.Pix[i+2]
			out.Pix[j+3] = 0xff
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported channel count %d", img.Channels)
	}
}

func fromNRGBA(src *image.NRGBA, channels int) *Image8 {
	b := src.Bounds()
	out := &Image8{Width: b.Dx(), Height: b.Dy(), Channels: channels, Pix: make([]uint8, b.Dx()*b.Dy()*channels)}
	for y := 0; y < out.Height; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < out.Width; x++ {
			p := row[x*4:]
			o := (y*out.Width + x) * channels
			if channels == 1 {
				out.Pix[o] = p[0]
				continue
			}
			copy(out.Pix[o:o+3], p[:3])
		}
	}
	return out
}
