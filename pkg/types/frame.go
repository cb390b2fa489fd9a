package types

import "time"

// PixelFormat identifies the byte layout of a Frame's Data.
type PixelFormat string

const (
	FormatRGB24   PixelFormat = "RGB24"   // packed R,G,B
	FormatBGR24   PixelFormat = "BGR24"   // packed B,G,R (what OpenCV style sources emit)
	FormatGray8   PixelFormat = "GRAY8"   // one luma byte per pixel
	FormatYUYV422 PixelFormat = "YUYV422" // packed Y0,U,Y1,V (v4l2 default)
	FormatYUV420P PixelFormat = "YUV420P" // planar Y, then U, then V at quarter size
)

// Depth returns the bytes per pixel of packed formats. Planar formats return 0.
func (f PixelFormat) Depth() int {
	switch f {
	case FormatRGB24, FormatBGR24:
		return 3
	case FormatGray8:
		return 1
	case FormatYUYV422:
		return 2
	default:
		return 0
	}
}

// FrameSize returns the number of bytes a w x h image occupies in this format.
func (f PixelFormat) FrameSize(w, h int) int {
	switch f {
	case FormatYUV420P:
		return w*h + 2*((w+1)/2)*((h+1)/2)
	default:
		return w * h * f.Depth()
	}
}

// Frame is a single image with its capture metadata.
type Frame struct {
	Width     int
	Height    int
	Depth     int         // bytes per pixel of Data for packed formats
	Format    PixelFormat // layout of Data
	Data      []byte
	Number    uint64    // sequential frame number assigned by the capturer
	Timestamp time.Time // capture time
}

// Valid reports whether Data holds exactly one image of the declared shape.
func (f Frame) Valid() bool {
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) == 0 {
		return false
	}
	switch {
	case f.Format == "":
		return len(f.Data) == f.Width*f.Height*f.Depth
	case f.Format.Depth() == 0:
		return len(f.Data) == f.Format.FrameSize(f.Width, f.Height)
	default:
		return f.Depth == f.Format.Depth() && len(f.Data) == f.Width*f.Height*f.Depth
	}
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	c := f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return c
}

// Box is one detection rectangle in frame coordinates. The shared region
// stores at most 64 bytes of Label and 16 of Color, and drops a NaN
// Confidence.
type Box struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"w"`
	Height     int     `json:"h"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"` // 0 means not reported
	Color      string  `json:"color,omitempty"`      // "#rrggbb", empty for default
}
