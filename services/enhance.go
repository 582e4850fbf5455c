package services

import (
	"image"
	"image/color"
	"math"
)

// EnhanceForOCR applies the conditioning pipeline that precedes OCR:
// grayscale decode, inversion of dark frames, limited-contrast adaptive
// histogram equalization, non-local-means denoising, sharpening, and an
// adaptive Gaussian threshold producing a binary image.
func EnhanceForOCR(img image.Image) *image.Gray {
	g := toGray(img)

	if meanIntensity(g) < 127 {
		invert(g)
	}

	g = clahe(g, 8, 8, 2.0)
	g = nlMeansDenoise(g, 30, 7, 21)
	g = sharpen(g)
	return adaptiveGaussianThreshold(g, 17, 8)
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		out := image.NewGray(g.Bounds())
		copy(out.Pix, g.Pix)
		return out
	}
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return out
}

func meanIntensity(g *image.Gray) float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	var sum uint64
	for _, v := range g.Pix {
		sum += uint64(v)
	}
	return float64(sum) / float64(len(g.Pix))
}

func invert(g *image.Gray) {
	for i, v := range g.Pix {
		g.Pix[i] = 255 - v
	}
}

// clahe runs contrast-limited adaptive histogram equalization over a
// tileX × tileY grid with the given clip limit, interpolating between
// the per-tile mappings so tile borders stay invisible.
func clahe(g *image.Gray, tilesX, tilesY int, clipLimit float64) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return g
	}

	tileW := (w + tilesX - 1) / tilesX
	tileH := (h + tilesY - 1) / tilesY

	// Per-tile equalization LUTs.
	luts := make([][256]uint8, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := min(x0+tileW, w), min(y0+tileH, h)

			var hist [256]float64
			n := 0
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					hist[g.GrayAt(b.Min.X+x, b.Min.Y+y).Y]++
					n++
				}
			}
			if n == 0 {
				continue
			}

			// Clip the histogram and redistribute the excess evenly.
			clip := clipLimit * float64(n) / 256
			var excess float64
			for i := range hist {
				if hist[i] > clip {
					excess += hist[i] - clip
					hist[i] = clip
				}
			}
			bonus := excess / 256
			for i := range hist {
				hist[i] += bonus
			}

			var cdf float64
			lut := &luts[ty*tilesX+tx]
			for i := range hist {
				cdf += hist[i]
				lut[i] = uint8(math.Round(255 * cdf / float64(n)))
			}
		}
	}

	out := image.NewGray(b)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := g.GrayAt(b.Min.X+x, b.Min.Y+y).Y

			// Position relative to tile centers for bilinear blending.
			fx := (float64(x)-float64(tileW)/2 + 0.5) / float64(tileW)
			fy := (float64(y)-float64(tileH)/2 + 0.5) / float64(tileH)
			tx0 := int(math.Floor(fx))
			ty0 := int(math.Floor(fy))
			wx := fx - float64(tx0)
			wy := fy - float64(ty0)

			tx1 := clampInt(tx0+1, 0, tilesX-1)
			ty1 := clampInt(ty0+1, 0, tilesY-1)
			tx0 = clampInt(tx0, 0, tilesX-1)
			ty0 = clampInt(ty0, 0, tilesY-1)

			top := (1-wx)*float64(luts[ty0*tilesX+tx0][v]) + wx*float64(luts[ty0*tilesX+tx1][v])
			bot := (1-wx)*float64(luts[ty1*tilesX+tx0][v]) + wx*float64(luts[ty1*tilesX+tx1][v])
			out.SetGray(b.Min.X+x, b.Min.Y+y, color.Gray{Y: uint8(math.Round((1-wy)*top + wy*bot))})
		}
	}
	return out
}

// nlMeansDenoise is a non-local-means filter: each pixel is replaced by
// a weighted average of pixels in its search window, weighted by the
// similarity of their surrounding patches. h controls filter strength,
// templ is the patch side, search the window side (both odd).
func nlMeansDenoise(g *image.Gray, h float64, templ, search int) *image.Gray {
	b := g.Bounds()
	w, ht := b.Dx(), b.Dy()
	out := image.NewGray(b)

	tr := templ / 2
	sr := search / 2
	h2 := h * h
	patchArea := float64(templ * templ)

	at := func(x, y int) float64 {
		x = clampInt(x, 0, w-1)
		y = clampInt(y, 0, ht-1)
		return float64(g.Pix[y*g.Stride+x])
	}

	for y := 0; y < ht; y++ {
		for x := 0; x < w; x++ {
			var weightSum, valueSum float64
			for sy := -sr; sy <= sr; sy++ {
				for sx := -sr; sx <= sr; sx++ {
					// Squared patch distance between (x,y) and the
					// candidate center.
					var dist float64
					for py := -tr; py <= tr; py++ {
						for px := -tr; px <= tr; px++ {
							d := at(x+px, y+py) - at(x+sx+px, y+sy+py)
							dist += d * d
						}
					}
					weight := math.Exp(-dist / (h2 * patchArea))
					weightSum += weight
					valueSum += weight * at(x+sx, y+sy)
				}
			}
			out.Pix[y*out.Stride+x] = uint8(math.Round(valueSum / weightSum))
		}
	}
	return out
}

// sharpen convolves with the fixed kernel
// [[0,-1,0],[-1,5,-1],[0,-1,0]].
func sharpen(g *image.Gray) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)

	at := func(x, y int) int {
		x = clampInt(x, 0, w-1)
		y = clampInt(y, 0, h-1)
		return int(g.Pix[y*g.Stride+x])
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 5*at(x, y) - at(x-1, y) - at(x+1, y) - at(x, y-1) - at(x, y+1)
			out.Pix[y*out.Stride+x] = clampByte(v)
		}
	}
	return out
}

// adaptiveGaussianThreshold binarizes: a pixel turns white when it
// exceeds the Gaussian-weighted mean of its block×block neighborhood
// minus c.
func adaptiveGaussianThreshold(g *image.Gray, block int, c float64) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)

	kernel := gaussianKernel(block)
	r := block / 2

	at := func(x, y int) float64 {
		x = clampInt(x, 0, w-1)
		y = clampInt(y, 0, h-1)
		return float64(g.Pix[y*g.Stride+x])
	}

	// Separable blur: horizontal pass, then vertical.
	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for k := -r; k <= r; k++ {
				sum += kernel[k+r] * at(x+k, y)
			}
			tmp[y*w+x] = sum
		}
	}
	tmpAt := func(x, y int) float64 {
		x = clampInt(x, 0, w-1)
		y = clampInt(y, 0, h-1)
		return tmp[y*w+x]
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var mean float64
			for k := -r; k <= r; k++ {
				mean += kernel[k+r] * tmpAt(x, y+k)
			}
			if at(x, y) > mean-c {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

// gaussianKernel builds a normalized 1-D kernel of the given size with
// the sigma convention OpenCV uses for its adaptive threshold.
func gaussianKernel(size int) []float64 {
	sigma := 0.3*(float64(size-1)*0.5-1) + 0.8
	r := size / 2
	kernel := make([]float64, size)
	var sum float64
	for i := -r; i <= r; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+r] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
