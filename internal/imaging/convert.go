// Package imaging converts camera frames between pixel formats, resizes them
// and draws detection overlays.
package imaging

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

// StorageFormat returns the packed format used to store frames of the given depth.
func StorageFormat(depth int) (types.PixelFormat, error) {
	switch depth {
	case 3:
		return types.FormatRGB24, nil
	case 1:
		return types.FormatGray8, nil
	default:
		return "", fmt.Errorf("unsupported storage depth %d", depth)
	}
}

// formatOf fills in an absent format tag from the frame depth.
func formatOf(f types.Frame) types.PixelFormat {
	if f.Format != "" {
		return f.Format
	}
	if pf, err := StorageFormat(f.Depth); err == nil {
		return pf
	}
	return ""
}

// Image wraps a frame as an image.Image. YUV and gray data are wrapped without
// copying; packed RGB variants are expanded into an *image.RGBA.
func Image(f types.Frame) (image.Image, error) {
	f.Format = formatOf(f)
	if f.Format.Depth() != 0 {
		f.Depth = f.Format.Depth()
	}
	if !f.Valid() {
		return nil, fmt.Errorf("frame %dx%d %s has %d bytes", f.Width, f.Height, f.Format, len(f.Data))
	}
	w, h := f.Width, f.Height
	rect := image.Rect(0, 0, w, h)

	switch f.Format {
	case types.FormatRGB24, types.FormatBGR24:
		img := image.NewRGBA(rect)
		bgr := f.Format == types.FormatBGR24
		src, dst := f.Data, img.Pix
		for i, j := 0, 0; i < len(src); i, j = i+3, j+4 {
			if bgr {
				dst[j], dst[j+1], dst[j+2] = src[i+2], src[i+1], src[i]
			} else {
				dst[j], dst[j+1], dst[j+2] = src[i], src[i+1], src[i+2]
			}
			dst[j+3] = 0xff
		}
		return img, nil

	case types.FormatGray8:
		return &image.Gray{Pix: f.Data, Stride: w, Rect: rect}, nil

	case types.FormatYUYV422:
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
		for y := 0; y < h; y++ {
			row := f.Data[y*w*2 : (y+1)*w*2]
			for x := 0; x < w; x += 2 {
				p := x * 2
				img.Y[y*img.YStride+x] = row[p]
				ci := y*img.CStride + x/2
				img.Cb[ci] = row[p+1]
				if x+1 < w {
					img.Y[y*img.YStride+x+1] = row[p+2]
					img.Cr[ci] = row[p+3]
				} else {
					img.Cr[ci] = 128
				}
			}
		}
		return img, nil

	case types.FormatYUV420P:
		cw, ch := (w+1)/2, (h+1)/2
		ySize, cSize := w*h, cw*ch
		return &image.YCbCr{
			Y:              f.Data[:ySize],
			Cb:             f.Data[ySize : ySize+cSize],
			Cr:             f.Data[ySize+cSize : ySize+2*cSize],
			YStride:        w,
			CStride:        cw,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}, nil
	}
	return nil, fmt.Errorf("unsupported pixel format %q", f.Format)
}

// RGBA returns the frame as an *image.RGBA of the same size. The result never
// aliases the frame data.
func RGBA(f types.Frame) (*image.RGBA, error) {
	img, err := Image(f)
	if err != nil {
		return nil, err
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

// Normalize converts f to a packed storage frame of width x height x depth,
// resizing when the source dimensions differ. depth must be 1 or 3.
func Normalize(f types.Frame, width, height, depth int) ([]byte, error) {
	dstFormat, err := StorageFormat(depth)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}

	// Already in storage layout.
	if formatOf(f) == dstFormat && f.Width == width && f.Height == height && len(f.Data) == width*height*depth {
		out := make([]byte, len(f.Data))
		copy(out, f.Data)
		return out, nil
	}

	img, err := Image(f)
	if err != nil {
		return nil, err
	}
	if f.Width != width || f.Height != height {
		img = Resize(img, width, height)
	}
	return Pack(img, depth), nil
}

// Resize scales img to width x height with bilinear filtering.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Pack serialises img into packed RGB24 (depth 3) or GRAY8 (depth 1) bytes.
func Pack(img image.Image, depth int) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h*depth)

	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < w; x++ {
				p := row[x*4 : x*4+3]
				o := (y*w + x) * depth
				if depth == 3 {
					out[o], out[o+1], out[o+2] = p[0], p[1], p[2]
				} else {
					out[o] = luma(p[0], p[1], p[2])
				}
			}
		}
		return out
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w]
			for x, v := range row {
				o := (y*w + x) * depth
				out[o] = v
				if depth == 3 {
					out[o+1], out[o+2] = v, v
				}
			}
		}
		return out
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			o := (y*w + x) * depth
			if depth == 3 {
				out[o], out[o+1], out[o+2] = c.R, c.G, c.B
			} else {
				out[o] = luma(c.R, c.G, c.B)
			}
		}
	}
	return out
}

// luma uses the same weights as color.GrayModel.
func luma(r, g, b uint8) uint8 {
	y := (19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16
	return uint8(y)
}
