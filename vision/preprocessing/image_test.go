package preprocessing

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestImage(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer file.Close()

	if strings.HasSuffix(path, ".png") {
		err = png.Encode(file, img)
	} else {
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 95})
	}
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func TestDecodeAndPreprocess(t *testing.T) {
	dir := t.TempDir()
	p := NewImageProcessor(8)

	t.Run("JPEG resize to CHW", func(t *testing.T) {
		path := filepath.Join(dir, "red.jpg")
		writeTestImage(t, path, 16, 12, color.RGBA{R: 255, A: 255})

		img, err := p.ProcessFile(path)
		if err != nil {
			t.Fatalf("ProcessFile failed: %v", err)
		}
		if img.Width != 8 || img.Height != 8 || img.Channels != 3 {
			t.Errorf("Expected 8x8x3, got %dx%dx%d", img.Width, img.Height, img.Channels)
		}
		if len(img.Data) != 3*8*8 {
			t.Fatalf("Expected %d values, got %d", 3*8*8, len(img.Data))
		}

		// red plane near 1, green/blue near 0 (JPEG is lossy)
		plane := 8 * 8
		if img.Data[0] < 0.9 {
			t.Errorf("Expected red channel near 1, got %f", img.Data[0])
		}
		if img.Data[plane] > 0.1 || img.Data[2*plane] > 0.1 {
			t.Errorf("Expected green/blue channels near 0, got %f, %f", img.Data[plane], img.Data[2*plane])
		}
	})

	t.Run("PNG decode", func(t *testing.T) {
		path := filepath.Join(dir, "blue.png")
		writeTestImage(t, path, 8, 8, color.RGBA{B: 255, A: 255})

		img, err := p.ProcessFile(path)
		if err != nil {
			t.Fatalf("ProcessFile failed: %v", err)
		}
		plane := 8 * 8
		if img.Data[2*plane] < 0.99 {
			t.Errorf("Expected blue channel 1, got %f", img.Data[2*plane])
		}
		if img.Data[0] > 0.01 {
			t.Errorf("Expected red channel 0, got %f", img.Data[0])
		}
	})

	t.Run("Values in range", func(t *testing.T) {
		path := filepath.Join(dir, "gray.jpg")
		writeTestImage(t, path, 10, 10, color.RGBA{R: 128, G: 128, B: 128, A: 255})

		img, err := p.ProcessFile(path)
		if err != nil {
			t.Fatalf("ProcessFile failed: %v", err)
		}
		for i, v := range img.Data {
			if v < 0 || v > 1 {
				t.Fatalf("Value %d out of range: %f", i, v)
			}
		}
	})

	t.Run("Invalid data", func(t *testing.T) {
		path := filepath.Join(dir, "bad.jpg")
		if err := os.WriteFile(path, []byte("not an image"), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		if _, err := p.ProcessFile(path); err == nil {
			t.Error("Expected error for invalid image data")
		}
	})
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()

	var paths []string
	for i := 0; i < 6; i++ {
		path := filepath.Join(dir, "img"+string(rune('a'+i))+".jpg")
		writeTestImage(t, path, 12, 12, color.RGBA{R: 255, A: 255})
		paths = append(paths, path)
	}

	results, err := PreprocessBatch(paths, 4, 3)
	if err != nil {
		t.Fatalf("PreprocessBatch failed: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("Expected 6 results, got %d", len(results))
	}
	for i, img := range results {
		if img == nil || len(img.Data) != 3*4*4 {
			t.Errorf("Result %d has wrong size", i)
		}
	}

	t.Run("Missing file", func(t *testing.T) {
		if _, err := PreprocessBatch([]string{filepath.Join(dir, "missing.jpg")}, 4, 1); err == nil {
			t.Error("Expected error for missing file")
		}
	})
}
