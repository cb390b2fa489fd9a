package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

// DefaultBoxColor is used for boxes without a colour of their own.
var DefaultBoxColor = color.RGBA{0, 255, 0, 255}

// ParseColor parses "#rrggbb" (or "rrggbb"). Anything else yields DefaultBoxColor.
func ParseColor(s string) color.RGBA {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return DefaultBoxColor
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return DefaultBoxColor
	}
	return color.RGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 255}
}

// BoxLabel renders the caption drawn above a box.
func BoxLabel(b types.Box) string {
	switch {
	case b.Label != "" && b.Confidence > 0:
		return fmt.Sprintf("%s %.0f%%", b.Label, b.Confidence*100)
	case b.Label != "":
		return b.Label
	case b.Confidence > 0:
		return fmt.Sprintf("%.0f%%", b.Confidence*100)
	}
	return ""
}

// DrawBoxes draws each box outline and caption onto img.
func DrawBoxes(img *image.RGBA, boxes []types.Box) {
	for _, b := range boxes {
		c := ParseColor(b.Color)
		DrawRect(img, b.X, b.Y, b.Width, b.Height, c, 2)
		if label := BoxLabel(b); label != "" {
			y := b.Y - 15
			if y < 0 {
				y = b.Y + b.Height + 2
			}
			DrawLabel(img, b.X, y, label, c)
		}
	}
}

// DrawRect draws a rectangle outline clipped to the image bounds.
func DrawRect(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(bounds) {
			img.SetRGBA(px, py, c)
		}
	}
	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-1-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-1-t, j)
		}
	}
}

// DrawLabel draws text on a dark background with its top-left corner at (x, y).
func DrawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	bounds := img.Bounds()
	bg := color.RGBA{0, 0, 0, 255}
	textWidth := len(label) * 7
	for dy := 0; dy < 15; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			if p := image.Pt(x+dx, y+dy); p.In(bounds) {
				img.SetRGBA(p.X, p.Y, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}

// DrawStats writes the frame number and capture time in the top-left corner.
func DrawStats(img *image.RGBA, number uint64, ts time.Time) {
	text := fmt.Sprintf("Frame: %d  Time: %s", number, ts.Format("2006/01/02 15:04:05"))
	DrawLabel(img, 10, 10, text, color.RGBA{255, 255, 255, 255})
}

// EncodeJPEG encodes img at the given quality (1-100, 0 for the library default).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var opts *jpeg.Options
	if quality > 0 {
		opts = &jpeg.Options{Quality: quality}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, opts); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderJPEG converts a frame to JPEG, drawing boxes when overlay is set.
func RenderJPEG(f types.Frame, boxes []types.Box, overlay bool, quality int) ([]byte, error) {
	img, err := RGBA(f)
	if err != nil {
		return nil, err
	}
	if overlay {
		DrawBoxes(img, boxes)
	}
	return EncodeJPEG(img, quality)
}

// ColorBars renders the standard eight-bar test pattern as an RGB24 frame.
func ColorBars(width, height int) types.Frame {
	colors := [][3]byte{
		{255, 255, 255}, {255, 255, 0}, {0, 255, 255}, {0, 255, 0},
		{255, 0, 255}, {255, 0, 0}, {0, 0, 255}, {0, 0, 0},
	}
	data := make([]byte, width*height*3)
	barWidth := width / len(colors)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			bar := x / barWidth
			if bar >= len(colors) {
				bar = len(colors) - 1
			}
			o := (y*width + x) * 3
			copy(data[o:o+3], colors[bar][:])
		}
	}
	return types.Frame{Width: width, Height: height, Depth: 3, Format: types.FormatRGB24, Data: data}
}
