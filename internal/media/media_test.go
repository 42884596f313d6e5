package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func testPNG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func testJPEG(width, height, quality int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 17) % 256),
				G: uint8((y * 13) % 256),
				B: uint8(((x + y) * 7) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	return buf.Bytes()
}

func TestFitImagePassthrough(t *testing.T) {
	data := testPNG(100, 100)

	result, err := FitImage(data, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Resized {
		t.Error("small image should not be resized")
	}
	if result.Width != 100 || result.Height != 100 {
		t.Errorf("expected 100x100, got %dx%d", result.Width, result.Height)
	}
	if result.MimeType != "image/png" {
		t.Errorf("expected image/png, got %s", result.MimeType)
	}
	if !bytes.Equal(result.Data, data) {
		t.Error("data should be unchanged for small image")
	}
}

func TestFitImageDownscalesLargeDimensions(t *testing.T) {
	data := testPNG(3000, 2000)

	result, err := FitImage(data, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Resized {
		t.Error("large image should be resized")
	}
	if result.Width > DefaultMaxSide || result.Height > DefaultMaxSide {
		t.Errorf("image should fit within %d, got %dx%d",
			DefaultMaxSide, result.Width, result.Height)
	}
	if result.MimeType != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %s", result.MimeType)
	}

	originalRatio := float64(3000) / float64(2000)
	newRatio := float64(result.Width) / float64(result.Height)
	if diff := originalRatio - newRatio; diff > 0.01 || diff < -0.01 {
		t.Errorf("aspect ratio not preserved: original %.2f, new %.2f", originalRatio, newRatio)
	}
}

func TestFitImagePortraitOrientation(t *testing.T) {
	data := testPNG(1000, 2500)

	result, err := FitImage(data, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Resized {
		t.Error("tall image should be resized")
	}
	if result.Height > DefaultMaxSide {
		t.Errorf("height should be <= %d, got %d", DefaultMaxSide, result.Height)
	}

	expectedWidth := int(float64(1000) * float64(DefaultMaxSide) / float64(2500))
	if diff := result.Width - expectedWidth; diff > 1 || diff < -1 {
		t.Errorf("expected width ~%d, got %d", expectedWidth, result.Width)
	}
}

func TestFitImageCustomMaxSide(t *testing.T) {
	data := testPNG(1500, 1000)

	result, err := FitImage(data, &FitOptions{MaxSide: 800})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Resized {
		t.Error("image should be resized with custom max side")
	}
	if result.Width > 800 || result.Height > 800 {
		t.Errorf("image should fit within 800, got %dx%d", result.Width, result.Height)
	}
}

func TestFitImageByteBudget(t *testing.T) {
	data := testPNG(800, 600)

	opts := &FitOptions{MaxBytes: 50 * 1024}

	result, err := FitImage(data, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Data) > opts.MaxBytes {
		t.Errorf("result should be under %d bytes, got %d", opts.MaxBytes, len(result.Data))
	}
	if !result.Resized {
		t.Error("re-encoded image should be marked resized")
	}
}

func TestFitImageQualityProgression(t *testing.T) {
	// A busy pattern that compresses poorly, forcing the quality grid
	// below its first entries.
	img := image.NewRGBA(image.Rect(0, 0, 2500, 2000))
	for y := 0; y < 2000; y++ {
		for x := 0; x < 2500; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * y) % 256),
				G: uint8((x + y*2) % 256),
				B: uint8((x*3 + y) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)

	opts := &FitOptions{MaxSide: 2000, MaxBytes: 200 * 1024}

	result, err := FitImage(buf.Bytes(), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Data) > opts.MaxBytes {
		t.Errorf("result should be under %d bytes, got %d", opts.MaxBytes, len(result.Data))
	}
	if !result.Resized {
		t.Error("image should be marked as resized")
	}
}

func TestFitImageInvalidData(t *testing.T) {
	for _, data := range [][]byte{[]byte("not an image"), {}} {
		if _, err := FitImage(data, nil); err == nil {
			t.Errorf("expected error for %q", data)
		}
	}
}

func TestProbeImage(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		width  int
		height int
		format string
	}{
		{name: "png", data: testPNG(640, 480), width: 640, height: 480, format: "png"},
		{name: "jpeg", data: testJPEG(1920, 1080, 85), width: 1920, height: 1080, format: "jpeg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ProbeImage(tt.data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.Width != tt.width || info.Height != tt.height {
				t.Errorf("expected %dx%d, got %dx%d", tt.width, tt.height, info.Width, info.Height)
			}
			if info.Format != tt.format {
				t.Errorf("expected format %s, got %s", tt.format, info.Format)
			}
		})
	}

	if _, err := ProbeImage([]byte("not an image")); err == nil {
		t.Error("expected error for invalid image data")
	}
}

func TestIsInlinableImage(t *testing.T) {
	tests := []struct {
		mimeType string
		want     bool
	}{
		{"image/jpeg", true},
		{"image/png", true},
		{"image/gif", true},
		{"image/webp", true},
		{"image/tiff", false},
		{"application/pdf", false},
		{"text/plain", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsInlinableImage(tt.mimeType); got != tt.want {
			t.Errorf("IsInlinableImage(%q) = %v, want %v", tt.mimeType, got, tt.want)
		}
	}
}

func TestDescendingSides(t *testing.T) {
	tests := []struct {
		name   string
		values []int
		maxVal int
		want   []int
	}{
		{name: "basic", values: []int{100, 200, 300}, maxVal: 300, want: []int{300, 200, 100}},
		{name: "max filter", values: []int{100, 200, 300, 400}, maxVal: 250, want: []int{200, 100}},
		{name: "duplicates", values: []int{100, 200, 100, 200, 300}, maxVal: 300, want: []int{300, 200, 100}},
		{name: "zero values", values: []int{0, 100, 0, 200}, maxVal: 300, want: []int{200, 100}},
		{name: "empty result", values: []int{500, 600}, maxVal: 400, want: []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := descendingSides(tt.values, tt.maxVal)
			if len(got) != len(tt.want) {
				t.Fatalf("descendingSides() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("descendingSides()[%d] = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}
