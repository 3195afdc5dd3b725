// Package upload builds the capture payload and submits it to the service.
package upload

import (
	"errors"
	"fmt"
	"time"

	"github.com/comptonizing/ekos-lightbucket/internal/capture"
	"github.com/comptonizing/ekos-lightbucket/internal/fits"
	"github.com/comptonizing/ekos-lightbucket/internal/preview"
)

var (
	// ErrNoTarget marks a frame without RA. Such frames are skipped.
	ErrNoTarget = errors.New("frame lacks target information")
	// ErrNoExposure marks a frame without EXPTIME. Such frames are skipped.
	ErrNoExposure = errors.New("frame lacks exposure information")
)

// Payload is the JSON document posted for every frame. Optional fields are
// pointers and are omitted when nil.
type Payload struct {
	Target    Target     `json:"target"`
	Equipment *Equipment `json:"equipment,omitempty"`
	Image     Image      `json:"image"`
}

type Target struct {
	Name     *string  `json:"name,omitempty"`
	RA       float64  `json:"ra"`
	Dec      float64  `json:"dec"`
	Rotation *float64 `json:"rotation,omitempty"`
}

type Equipment struct {
	CameraName    *string  `json:"camera_name,omitempty"`
	TelescopeName *string  `json:"telescope_name,omitempty"`
	FocalLength   *float64 `json:"focal_length,omitempty"`
	FocalRatio    *float64 `json:"focal_ratio,omitempty"`
	PixelSize     *float64 `json:"pixel_size,omitempty"`
	PixelScale    *float64 `json:"pixel_scale,omitempty"`
}

func (e *Equipment) empty() bool {
	return e.CameraName == nil && e.TelescopeName == nil && e.FocalLength == nil &&
		e.FocalRatio == nil && e.PixelSize == nil && e.PixelScale == nil
}

type Image struct {
	Statistics Statistics `json:"statistics"`
	Thumbnail  string     `json:"thumbnail"`
	FilterName *string    `json:"filter_name,omitempty"`
	Duration   float64    `json:"duration"`
	Gain       *int       `json:"gain,omitempty"`
	Offset     *int       `json:"offset,omitempty"`
	Binning    *string    `json:"binning,omitempty"`
	CapturedAt string     `json:"captured_at"`
}

type Statistics struct {
	HFR   *float64 `json:"hfr,omitempty"`
	Stars int      `json:"stars"`
	Mean  float64  `json:"mean"`
}

// Metadata is the header view of a decoded frame.
type Metadata interface {
	Object() (fits.Optional[string], error)
	Telescope() (fits.Optional[string], error)
	Instrument() (fits.Optional[string], error)
	FocalLength() (fits.Optional[float64], error)
	Aperture() (fits.Optional[float64], error)
	PixelSize() (fits.Optional[float64], error)
	Scale() (fits.Optional[float64], error)
	Filter() (fits.Optional[string], error)
	Exposure() (fits.Optional[float64], error)
	Gain() (fits.Optional[int], error)
	Offset() (fits.Optional[int], error)
	Binning() (fits.Optional[string], error)
	Time() (fits.Optional[string], error)
	Rotation() (fits.Optional[float64], error)
	RA() (fits.Optional[float64], error)
	Dec() (fits.Optional[float64], error)
}

// Required holds the fields without which nothing is uploaded.
type Required struct {
	RA       float64
	Dec      float64
	Exposure float64
}

// ReadRequired reads RA, DEC and EXPTIME in that order. A missing RA or
// EXPTIME returns ErrNoTarget or ErrNoExposure; a missing DEC is an error.
func ReadRequired(m Metadata) (Required, error) {
	ra, err := m.RA()
	if err != nil {
		return Required{}, err
	}
	if !ra.Present {
		return Required{}, ErrNoTarget
	}
	dec, err := m.Dec()
	if err != nil {
		return Required{}, err
	}
	if !dec.Present {
		return Required{}, fmt.Errorf("frame has RA but no DEC")
	}
	exp, err := m.Exposure()
	if err != nil {
		return Required{}, err
	}
	if !exp.Present {
		return Required{}, ErrNoExposure
	}
	return Required{RA: ra.Value, Dec: dec.Value, Exposure: exp.Value}, nil
}

// Builder assembles payloads. Now supplies captured_at for frames without
// DATE-OBS.
type Builder struct {
	Now func() time.Time
}

const capturedAtLayout = "2006-01-02T15:04:05.000"

// Build assembles the payload. fallbackMean is used for statistics.mean
// when the event carries no median.
func (b Builder) Build(m Metadata, req Required, ev capture.Event, thumb preview.Thumbnail, fallbackMean float64) (*Payload, error) {
	if thumb.Data == "" {
		return nil, fmt.Errorf("missing thumbnail")
	}
	p := &Payload{
		Target: Target{RA: req.RA, Dec: req.Dec},
		Image: Image{
			Statistics: Statistics{HFR: ev.HFR, Stars: ev.StarCount, Mean: fallbackMean},
			Thumbnail:  thumb.Data,
			Duration:   req.Exposure,
		},
	}
	if ev.Median != nil {
		p.Image.Statistics.Mean = float64(*ev.Median)
	}

	var err error
	if p.Target.Name, err = nonEmpty(m.Object()); err != nil {
		return nil, err
	}
	if p.Target.Rotation, err = ptr(m.Rotation()); err != nil {
		return nil, err
	}

	eq := &Equipment{}
	if eq.CameraName, err = nonEmpty(m.Instrument()); err != nil {
		return nil, err
	}
	if eq.TelescopeName, err = nonEmpty(m.Telescope()); err != nil {
		return nil, err
	}
	if eq.FocalLength, err = ptr(m.FocalLength()); err != nil {
		return nil, err
	}
	if eq.FocalLength != nil {
		aperture, err := m.Aperture()
		if err != nil {
			return nil, err
		}
		if aperture.Present && aperture.Value > 0 {
			ratio := *eq.FocalLength / aperture.Value
			eq.FocalRatio = &ratio
		}
	}
	if eq.PixelSize, err = ptr(m.PixelSize()); err != nil {
		return nil, err
	}
	if eq.PixelScale, err = ptr(m.Scale()); err != nil {
		return nil, err
	}
	if !eq.empty() {
		p.Equipment = eq
	}

	if p.Image.FilterName, err = nonEmpty(m.Filter()); err != nil {
		return nil, err
	}
	if p.Image.Gain, err = ptr(m.Gain()); err != nil {
		return nil, err
	}
	if p.Image.Offset, err = ptr(m.Offset()); err != nil {
		return nil, err
	}
	if p.Image.Binning, err = nonEmpty(m.Binning()); err != nil {
		return nil, err
	}

	when, err := m.Time()
	if err != nil {
		return nil, err
	}
	if when.Present && when.Value != "" {
		p.Image.CapturedAt = when.Value
	} else {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		p.Image.CapturedAt = now().UTC().Format(capturedAtLayout)
	}
	return p, nil
}

func ptr[T any](o fits.Optional[T], err error) (*T, error) {
	if err != nil || !o.Present {
		return nil, err
	}
	v := o.Value
	return &v, nil
}

// nonEmpty treats an empty string value like an absent key.
func nonEmpty(o fits.Optional[string], err error) (*string, error) {
	if err != nil || !o.Present || o.Value == "" {
		return nil, err
	}
	v := o.Value
	return &v, nil
}
