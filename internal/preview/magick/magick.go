// Package magick implements preview.Codec on top of ImageMagick.
package magick

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"

	"github.com/comptonizing/ekos-lightbucket/internal/preview"
)

// Codec resamples with ImageMagick's Lanczos filter and writes JPEG blobs.
type Codec struct{}

var _ preview.Codec = Codec{}

func channelMap(channels int) (string, error) {
	switch channels {
	case 1:
		return "I", nil
	case 3:
		return "RGB", nil
	default:
		return "", fmt.Errorf("unsupported channel count %d", channels)
	}
}

func constitute(img *preview.Image8) (*imagick.MagickWand, error) {
	pmap, err := channelMap(img.Channels)
	if err != nil {
		return nil, err
	}
	mw := imagick.NewMagickWand()
	if err := mw.ConstituteImage(uint(img.Width), uint(img.Height), pmap, imagick.PIXEL_CHAR, img.Pix); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("failed to load pixels: %w", err)
	}
	return mw, nil
}

func (Codec) Resize(img *preview.Image8, width, height int) (*preview.Image8, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	imagick.Initialize()
	defer imagick.Terminate()

	mw, err := constitute(img)
	if err != nil {
		return nil, err
	}
	defer mw.Destroy()

	if err := mw.ResizeImage(uint(width), uint(height), imagick.FILTER_LANCZOS); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}
	pmap, _ := channelMap(img.Channels)
	pixels, err := mw.ExportImagePixels(0, 0, uint(width), uint(height), pmap, imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels: %w", err)
	}
	pix, ok := pixels.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel storage %T", pixels)
	}
	return &preview.Image8{Width: width, Height: height, Channels: img.Channels, Pix: pix}, nil
}

func (Codec) Encode(img *preview.Image8, quality int) ([]byte, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw, err := constitute(img)
	if err != nil {
		return nil, err
	}
	defer mw.Destroy()

	if err := mw.SetImageFormat("JPEG"); err != nil {
		return nil, fmt.Errorf("failed to set format: %w", err)
	}
	if err := mw.SetImageCompressionQuality(uint(quality)); err != nil {
		return nil, fmt.Errorf("failed to set quality: %w", err)
	}
	blob, err := mw.GetImageBlob()
	if err != nil {
		return nil, fmt.Errorf("failed to encode: %w", err)
	}
	return blob, nil
}
