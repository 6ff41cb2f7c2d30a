// internal/fingerprint/phash.go
package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"math/bits"
	"strconv"

	"github.com/nfnt/resize"
)

const hashSide = 8

// AverageHash downsamples an encoded image to 8x8 grayscale and sets one bit
// per pixel brighter than the mean. The result is 16 hex digits.
func AverageHash(encoded []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("decode screenshot: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return "", fmt.Errorf("empty screenshot")
	}

	small := resize.Resize(hashSide, hashSide, img, resize.Bilinear)
	var lum [hashSide * hashSide]uint32
	var total uint32
	for y := 0; y < hashSide; y++ {
		for x := 0; x < hashSide; x++ {
			g := color.GrayModel.Convert(small.At(small.Bounds().Min.X+x, small.Bounds().Min.Y+y)).(color.Gray)
			lum[y*hashSide+x] = uint32(g.Y)
			total += uint32(g.Y)
		}
	}
	mean := total / uint32(len(lum))

	var hash uint64
	for i, v := range lum {
		if v > mean {
			hash |= 1 << uint(i)
		}
	}
	return fmt.Sprintf("%016x", hash), nil
}

// Hamming returns the number of differing bits between two hashes, or -1
// when either is malformed.
func Hamming(a, b string) int {
	x, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return -1
	}
	y, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return -1
	}
	return bits.OnesCount64(x ^ y)
}
