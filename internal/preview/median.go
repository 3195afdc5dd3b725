package preview

import "fmt"

// MedianBlur filters each channel with a size x size median window. Borders
// replicate the edge pixels. A sliding 256-bin histogram keeps the cost per
// pixel proportional to size rather than size squared.
func MedianBlur(src *Image8, size int) (*Image8, error) {
	if size < 1 || size%2 == 0 {
		return nil, fmt.Errorf("median kernel size must be odd and positive, got %d", size)
	}
	out := &Image8{Width: src.Width, Height: src.Height, Channels: src.Channels, Pix: make([]uint8, len(src.Pix))}
	if size == 1 {
		copy(out.Pix, src.Pix)
		return out, nil
	}
	r := size / 2
	half := size*size/2 + 1
	w, h, ch := src.Width, src.Height, src.Channels
	at := func(x, y, c int) uint8 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return src.Pix[(y*w+x)*ch+c]
	}

	for c := 0; c < ch; c++ {
		for y := 0; y < h; y++ {
			var hist [256]int
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					hist[at(dx, y+dy, c)]++
				}
			}
			for x := 0; x < w; x++ {
				if x > 0 {
					for dy := -r; dy <= r; dy++ {
						hist[at(x-r-1, y+dy, c)]--
						hist[at(x+r, y+dy, c)]++
					}
				}
				seen := 0
				for v := 0; v < 256; v++ {
					seen += hist[v]
					if seen >= half {
						out.Pix[(y*w+x)*ch+c] = uint8(v)
						break
					}
				}
			}
		}
	}
	return out, nil
}
