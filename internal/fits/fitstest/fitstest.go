// Package fitstest writes small synthetic FITS files for tests.
package fitstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Key is an extra header record. Value is written verbatim, so string values
// must carry their own quotes (see Str).
type Key struct {
	Name  string
	Value string
}

// Str quotes s as a FITS character value.
func Str(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Num formats a float header value.
func Num(v float64) string { return fmt.Sprintf("%g", v) }

// Int formats an integer header value.
func Int(v int) string { return fmt.Sprintf("%d", v) }

// Image describes a primary HDU. Pix is row-major and interpreted according
// to BitPix; it must hold Width*Height values.
type Image struct {
	Width  int
	Height int
	BitPix int
	Pix    []float64
	Keys   []Key
}

// Mono16 is a 16-bit image filled with a gradient so statistics are non-trivial.
func Mono16(width, height int, keys ...Key) Image {
	pix := make([]float64, width*height)
	for i := range pix {
		pix[i] = float64((i*37)%4096) - 2048
	}
	return Image{Width: width, Height: height, BitPix: 16, Pix: pix, Keys: keys}
}

// Bytes encodes the image as a FITS file.
func (img Image) Bytes() []byte {
	var buf bytes.Buffer
	card := func(key, value string) {
		line := fmt.Sprintf("%-8s= %20s", key, value)
		if strings.HasPrefix(value, "'") {
			line = fmt.Sprintf("%-8s= %s", key, value)
		}
		fmt.Fprintf(&buf, "%-80s", line)
	}
	card("SIMPLE", "T")
	card("BITPIX", Int(img.BitPix))
	card("NAXIS", "2")
	card("NAXIS1", Int(img.Width))
	card("NAXIS2", Int(img.Height))
	for _, k := range img.Keys {
		card(k.Name, k.Value)
	}
	fmt.Fprintf(&buf, "%-80s", "END")
	pad(&buf, ' ')

	be := binary.BigEndian
	for _, v := range img.Pix {
		switch img.BitPix {
		case 8:
			buf.WriteByte(uint8(v))
		case 16:
			_ = binary.Write(&buf, be, int16(v))
		case 32:
			_ = binary.Write(&buf, be, int32(v))
		case 64:
			_ = binary.Write(&buf, be, int64(v))
		case -32:
			_ = binary.Write(&buf, be, math.Float32bits(float32(v)))
		case -64:
			_ = binary.Write(&buf, be, math.Float64bits(v))
		}
	}
	pad(&buf, 0)
	return buf.Bytes()
}

func pad(buf *bytes.Buffer, b byte) {
	if rem := buf.Len() % 2880; rem != 0 {
		buf.Write(bytes.Repeat([]byte{b}, 2880-rem))
	}
}

// Write stores the image under t.TempDir() and returns its path.
func Write(t testing.TB, name string, img Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, img.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
