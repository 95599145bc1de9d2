// Package annotate draws detections and the stats overlay onto frames and
// encodes them for the stream.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"hive-vision-streamer/detector"
)

var (
	HornetColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	BeeColor    = color.RGBA{R: 255, G: 215, B: 0, A: 255}
	OtherColor  = color.RGBA{R: 0, G: 200, B: 255, A: 255}
	TextColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	labelColor  = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

const (
	boxThickness = 2
	lineHeight   = 16
)

// ClassColor returns the box colour for a class
func ClassColor(classID int) color.RGBA {
	switch classID {
	case detector.ClassHornet:
		return HornetColor
	case detector.ClassBee:
		return BeeColor
	default:
		return OtherColor
	}
}

// Overlay formats the stats lines drawn in the top left corner
func Overlay(fps float64, bees, hornets int) []string {
	return []string{
		fmt.Sprintf("FPS: %.1f", fps),
		fmt.Sprintf("Bees: %d", bees),
		fmt.Sprintf("Hornets: %d", hornets),
	}
}

// Draw renders boxes, labels and overlay text onto img in place
func Draw(img *image.RGBA, detections []detector.Detection, overlay []string) {
	for _, d := range detections {
		c := ClassColor(d.ClassID)
		r := image.Rect(int(d.Box.X), int(d.Box.Y), int(d.Box.X+d.Box.W), int(d.Box.Y+d.Box.H)).Intersect(img.Bounds())
		if r.Empty() {
			continue
		}
		drawRect(img, r, c)

		label := fmt.Sprintf("%s %.2f", detector.ClassName(d.ClassID), d.Confidence)
		drawLabel(img, r.Min, label, c)
	}

	for i, line := range overlay {
		drawText(img, 10, 20+i*lineHeight, line, TextColor)
	}
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+boxThickness),
		image.Rect(r.Min.X, r.Max.Y-boxThickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+boxThickness, r.Max.Y),
		image.Rect(r.Max.X-boxThickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// drawLabel puts text on a filled tag above the box, or inside it at the top edge
func drawLabel(img *image.RGBA, at image.Point, label string, bg color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil() + 4
	height := face.Height + 2

	top := at.Y - height
	if top < img.Bounds().Min.Y {
		top = at.Y
	}
	tag := image.Rect(at.X, top, at.X+width, top+height).Intersect(img.Bounds())
	draw.Draw(img, tag, image.NewUniform(bg), image.Point{}, draw.Src)

	drawText(img, at.X+2, top+face.Ascent+1, label, labelColor)
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// Encode compresses img as JPEG
func Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// Annotator draws onto a copy of each frame and encodes the result
type Annotator struct {
	Quality int
}

// NewAnnotator creates an annotator producing JPEG at quality
func NewAnnotator(quality int) *Annotator {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Annotator{Quality: quality}
}

// Render returns the annotated frame as JPEG. The source image is not modified.
func (a *Annotator) Render(img *image.RGBA, detections []detector.Detection, overlay []string) ([]byte, error) {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	Draw(out, detections, overlay)
	return Encode(out, a.Quality)
}
