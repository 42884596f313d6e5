// Package media prepares binary payloads for inline delivery to LLM
// providers. Provider APIs cap both pixel dimensions and request size, so
// oversized images are downscaled and re-encoded until they fit.
package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	_ "image/png" // register PNG decoder
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Default limits for images inlined into provider payloads.
const (
	DefaultMaxSide  = 2000
	DefaultMaxBytes = 5 * 1024 * 1024 // 5MB
)

// FitOptions bounds the result of FitImage.
type FitOptions struct {
	MaxSide  int
	MaxBytes int
}

// Image is an image payload sized for inline delivery.
type Image struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
	Resized  bool
}

// FitImage downscales and re-encodes an image until it fits within the
// given limits. Images already within limits pass through unchanged.
// Re-encoded images come back as JPEG, trying progressively smaller
// dimensions and lower qualities until one lands under MaxBytes.
func FitImage(data []byte, opts *FitOptions) (*Image, error) {
	maxSide := DefaultMaxSide
	maxBytes := DefaultMaxBytes

	if opts != nil {
		if opts.MaxSide > 0 {
			maxSide = opts.MaxSide
		}
		if opts.MaxBytes > 0 {
			maxBytes = opts.MaxBytes
		}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	maxDim := max(width, height)

	if len(data) <= maxBytes && width <= maxSide && height <= maxSide {
		return &Image{
			Data:     data,
			MimeType: "image/" + format,
			Width:    width,
			Height:   height,
			Resized:  false,
		}, nil
	}

	qualities := []int{85, 75, 65, 55, 45, 35}

	sideStart := min(maxSide, maxDim)
	sideGrid := descendingSides([]int{sideStart, 1800, 1600, 1400, 1200, 1000, 800}, maxSide)

	var smallest *Image

	for _, side := range sideGrid {
		for _, quality := range qualities {
			fitted, err := scaleAndEncode(img, side, quality)
			if err != nil {
				continue
			}

			if smallest == nil || len(fitted.Data) < len(smallest.Data) {
				smallest = fitted
			}

			if len(fitted.Data) <= maxBytes {
				fitted.Resized = true
				return fitted, nil
			}
		}
	}

	if smallest != nil {
		return nil, fmt.Errorf("image could not be reduced below %d bytes (got %d)",
			maxBytes, len(smallest.Data))
	}

	return nil, fmt.Errorf("failed to re-encode image")
}

// scaleAndEncode resizes an image to fit maxSide and encodes it as JPEG.
func scaleAndEncode(img image.Image, maxSide, quality int) (*Image, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	newWidth, newHeight := width, height
	if width > maxSide || height > maxSide {
		if width > height {
			newWidth = maxSide
			newHeight = int(float64(height) * float64(maxSide) / float64(width))
		} else {
			newHeight = maxSide
			newWidth = int(float64(width) * float64(maxSide) / float64(height))
		}
	}

	var resized image.Image
	if newWidth != width || newHeight != height {
		dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		resized = dst
	} else {
		resized = img
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}

	return &Image{
		Data:     buf.Bytes(),
		MimeType: "image/jpeg",
		Width:    newWidth,
		Height:   newHeight,
	}, nil
}

// ImageInfo holds image dimensions read from the header.
type ImageInfo struct {
	Width  int
	Height int
	Format string
}

// ProbeImage extracts image dimensions without decoding pixel data.
func ProbeImage(data []byte) (*ImageInfo, error) {
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	return &ImageInfo{
		Width:  config.Width,
		Height: config.Height,
		Format: format,
	}, nil
}

// IsInlinableImage reports whether a MIME type is an image format that
// providers accept inline.
func IsInlinableImage(mimeType string) bool {
	switch {
	case strings.HasPrefix(mimeType, "image/jpeg"),
		strings.HasPrefix(mimeType, "image/png"),
		strings.HasPrefix(mimeType, "image/gif"),
		strings.HasPrefix(mimeType, "image/webp"):
		return true
	}
	return false
}

// descendingSides returns sorted unique side lengths <= maxVal in
// descending order.
func descendingSides(values []int, maxVal int) []int {
	seen := make(map[int]bool)
	var result []int

	for _, v := range values {
		if v > 0 && v <= maxVal && !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}

	for i := 0; i < len(result)-1; i++ {
		for j := i + 1; j < len(result); j++ {
			if result[i] < result[j] {
				result[i], result[j] = result[j], result[i]
			}
		}
	}

	return result
}
