package services

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"github.com/corona10/goimagehash"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
)

// histBins is the number of grayscale histogram bins used for
// near-duplicate detection.
const histBins = 256

// Deduper drops frames that look like the previously kept one. The
// primary signal is the Pearson correlation of L¹-normalized grayscale
// histograms (keep when correlation < cutoff); an optional perceptual
// hash guard additionally drops frames whose pHash distance to the
// last kept frame is below a threshold.
type Deduper struct {
	Cutoff         float64
	PHashEnabled   bool
	PHashThreshold int

	prevHist *[histBins]float64
	prevHash *goimagehash.ImageHash
}

// Keep decides whether the image at path survives deduplication. The
// first frame is always kept. Undecodable images are dropped with a
// log line, not an error: bad input must not poison the stream.
func (d *Deduper) Keep(path string) bool {
	img, err := decodeImage(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("skipping undecodable frame")
		return false
	}

	// Downscale before histogram and hash work; dedup does not need
	// full resolution.
	small := resize.Resize(256, 0, img, resize.Bilinear)

	hist := grayHistogram(small)

	keep := true
	if d.prevHist != nil {
		if pearson(d.prevHist, hist) >= d.Cutoff {
			keep = false
		}
	}

	if keep && d.PHashEnabled && d.prevHash != nil {
		if hash, err := goimagehash.PerceptionHash(small); err == nil {
			if dist, err := hash.Distance(d.prevHash); err == nil && dist < d.PHashThreshold {
				keep = false
			}
		}
	}

	if keep {
		d.prevHist = hist
		if d.PHashEnabled {
			if hash, err := goimagehash.PerceptionHash(small); err == nil {
				d.prevHash = hash
			}
		}
	}
	return keep
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// grayHistogram computes a 256-bin grayscale histogram, L¹-normalized.
func grayHistogram(img image.Image) *[histBins]float64 {
	var hist [histBins]float64
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma, 16-bit channels down to 8-bit bins.
			luma := (19595*r + 38470*g + 7471*bl + 1<<15) >> 24
			hist[luma]++
		}
	}

	var sum float64
	for _, v := range hist {
		sum += v
	}
	if sum > 0 {
		for i := range hist {
			hist[i] /= sum
		}
	}
	return &hist
}

// pearson computes the Pearson correlation coefficient between two
// histograms. Identical frames correlate at 1.0.
func pearson(a, b *[histBins]float64) float64 {
	var meanA, meanB float64
	for i := 0; i < histBins; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= histBins
	meanB /= histBins

	var cov, varA, varB float64
	for i := 0; i < histBins; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		// A flat histogram has no variance; treat two flats as
		// perfectly correlated and anything else as uncorrelated.
		if varA == varB {
			return 1
		}
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
