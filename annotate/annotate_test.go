package annotate

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"hive-vision-streamer/detector"
)

func blank(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	return img
}

func TestDrawBoxColors(t *testing.T) {
	img := blank(200, 200)
	dets := []detector.Detection{
		{ClassID: detector.ClassHornet, Confidence: 0.9, Box: detector.Box{X: 20, Y: 40, W: 50, H: 50}},
		{ClassID: detector.ClassBee, Confidence: 0.7, Box: detector.Box{X: 120, Y: 120, W: 40, H: 40}},
	}

	Draw(img, dets, nil)

	tests := []struct {
		name string
		x, y int
		want color.RGBA
	}{
		{name: "hornet bottom edge", x: 45, y: 89, want: HornetColor},
		{name: "hornet right edge", x: 69, y: 70, want: HornetColor},
		{name: "bee bottom edge", x: 140, y: 159, want: BeeColor},
		{name: "bee left edge", x: 120, y: 150, want: BeeColor},
		{name: "inside hornet box", x: 45, y: 70, want: color.RGBA{255, 255, 255, 255}},
		{name: "outside", x: 100, y: 100, want: color.RGBA{255, 255, 255, 255}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := img.RGBAAt(tt.x, tt.y); got != tt.want {
				t.Errorf("pixel (%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestDrawClipsBoxes(t *testing.T) {
	img := blank(50, 50)
	dets := []detector.Detection{
		{ClassID: detector.ClassBee, Confidence: 0.5, Box: detector.Box{X: 40, Y: 40, W: 100, H: 100}},
		{ClassID: detector.ClassBee, Confidence: 0.5, Box: detector.Box{X: 500, Y: 500, W: 10, H: 10}},
	}

	// Must not panic on partially or fully off-frame boxes
	Draw(img, dets, nil)

	if got := img.RGBAAt(45, 40); got != BeeColor {
		t.Errorf("clipped box top edge = %v, want %v", got, BeeColor)
	}
}

func TestDrawOverlay(t *testing.T) {
	img := blank(200, 100)
	Draw(img, nil, Overlay(12.5, 3, 1))

	// Some text pixel must have been painted in the overlay area
	found := false
	for y := 0; y < 60 && !found; y++ {
		for x := 0; x < 120; x++ {
			if img.RGBAAt(x, y) == TextColor {
				found = true
				break
			}
		}
	}
	if !found {
		t.Error("overlay text not drawn")
	}
}

func TestOverlay(t *testing.T) {
	got := Overlay(9.87, 4, 2)
	want := []string{"FPS: 9.9", "Bees: 4", "Hornets: 2"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Overlay()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAnnotatorRender(t *testing.T) {
	src := blank(64, 48)
	a := NewAnnotator(0)
	if a.Quality != 80 {
		t.Errorf("default quality = %d, want 80", a.Quality)
	}

	data, err := a.Render(src, []detector.Detection{
		{ClassID: detector.ClassHornet, Confidence: 0.9, Box: detector.Box{X: 5, Y: 5, W: 20, H: 20}},
	}, Overlay(1, 0, 1))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("output size = %v, want 64x48", b)
	}

	// The captured frame stays clean
	if got := src.RGBAAt(5, 24); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("source frame modified: %v", got)
	}
}
