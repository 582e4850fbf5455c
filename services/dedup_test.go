package services

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestJPEG(t *testing.T, dir, name string, paint func(x, y int) color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, paint(x, y))
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 95}))
	return path
}

func halves(x, y int) color.Color {
	if x < 32 {
		return color.Black
	}
	return color.White
}

func midGray(x, y int) color.Color {
	return color.Gray{Y: 128}
}

func TestDeduperKeepsFirstFrame(t *testing.T) {
	dir := t.TempDir()
	a := writeTestJPEG(t, dir, "a.jpg", halves)

	d := &Deduper{Cutoff: 0.97}
	assert.True(t, d.Keep(a))
}

func TestDeduperDropsNearDuplicates(t *testing.T) {
	dir := t.TempDir()
	a := writeTestJPEG(t, dir, "a.jpg", halves)
	b := writeTestJPEG(t, dir, "b.jpg", halves)
	c := writeTestJPEG(t, dir, "c.jpg", midGray)

	d := &Deduper{Cutoff: 0.97}
	assert.True(t, d.Keep(a))
	assert.False(t, d.Keep(b), "identical frame must be dropped")
	assert.True(t, d.Keep(c), "dissimilar frame must survive")
}

func TestDeduperComparesAgainstLastKept(t *testing.T) {
	dir := t.TempDir()
	a := writeTestJPEG(t, dir, "a.jpg", halves)
	b := writeTestJPEG(t, dir, "b.jpg", midGray)
	c := writeTestJPEG(t, dir, "c.jpg", midGray)

	d := &Deduper{Cutoff: 0.97}
	assert.True(t, d.Keep(a))
	assert.True(t, d.Keep(b))
	// c duplicates b, the last kept frame, not a.
	assert.False(t, d.Keep(c))
}

func TestDeduperDropsUndecodable(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))

	d := &Deduper{Cutoff: 0.97}
	assert.False(t, d.Keep(bad))
}

func TestPearsonBounds(t *testing.T) {
	var a, b [histBins]float64
	a[0], a[255] = 0.5, 0.5
	b[128] = 1.0

	assert.InDelta(t, 1.0, pearson(&a, &a), 1e-9)
	assert.Less(t, pearson(&a, &b), 0.97)
}
