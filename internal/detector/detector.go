// Package detector publishes object detections into the shared region.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync/atomic"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/imaging"
	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

// Detector finds objects in a frame. It returns the boxes at or above
// threshold and how many of them are persons.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame, threshold float64) ([]types.Box, int, error)
}

// PersonClass is the label counted as a person.
const PersonClass = "person"

var classColors = map[string]string{
	PersonClass:  "#ff0000",
	"car":        "#ffa500",
	"truck":      "#ffa500",
	"bicycle":    "#00bfff",
	"motorcycle": "#00bfff",
	"dog":        "#00ff00",
	"cat":        "#00ff00",
}

// Detection is one object as returned by the inference service
type Detection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

// Response is the inference service reply
type Response struct {
	Detections      []Detection `json:"detections"`
	Count           int         `json:"count"`
	InferenceTimeMs float64     `json:"inference_time_ms"`
	Device          string      `json:"device"`
}

// HTTPDetector posts JPEG frames to a YOLO-style HTTP service.
type HTTPDetector struct {
	endpoint string
	client   *http.Client
	quality  int
	persons  atomic.Uint64
}

// NewHTTPDetector creates a detector for the service at endpoint
func NewHTTPDetector(endpoint string, timeout time.Duration, quality int) *HTTPDetector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDetector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		quality:  quality,
	}
}

// Persons returns the number of persons seen since start.
func (d *HTTPDetector) Persons() uint64 { return d.persons.Load() }

// Detect encodes frame and asks the service for its objects
func (d *HTTPDetector) Detect(ctx context.Context, frame types.Frame, threshold float64) ([]types.Box, int, error) {
	img, err := imaging.RGBA(frame)
	if err != nil {
		return nil, 0, err
	}
	jpg, err := imaging.EncodeJPEG(img, d.quality)
	if err != nil {
		return nil, 0, err
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, 0, err
	}
	if _, err := fw.Write(jpg); err != nil {
		return nil, 0, err
	}
	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.2f", threshold)); err != nil {
		return nil, 0, err
	}
	if err := w.Close(); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, &b)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("detection failed: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, 0, fmt.Errorf("invalid detection response: %w", err)
	}

	boxes, persons := ToBoxes(result.Detections, threshold, frame.Width, frame.Height)
	d.persons.Add(uint64(persons))
	return boxes, persons, nil
}

// ToBoxes converts service detections into boxes clipped to the frame,
// dropping those below threshold or without a usable bbox.
func ToBoxes(dets []Detection, threshold float64, width, height int) ([]types.Box, int) {
	boxes := make([]types.Box, 0, len(dets))
	persons := 0
	for _, det := range dets {
		if det.Confidence < threshold || len(det.BBox) != 4 {
			continue
		}
		x1 := clamp(int(det.BBox[0]), 0, width)
		y1 := clamp(int(det.BBox[1]), 0, height)
		x2 := clamp(int(det.BBox[2]), 0, width)
		y2 := clamp(int(det.BBox[3]), 0, height)
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		color, ok := classColors[det.Class]
		if !ok {
			color = "#ffff00"
		}
		boxes = append(boxes, types.Box{
			X:          x1,
			Y:          y1,
			Width:      x2 - x1,
			Height:     y2 - y1,
			Label:      det.Class,
			Confidence: det.Confidence,
			Color:      color,
		})
		if det.Class == PersonClass {
			persons++
		}
	}
	return boxes, persons
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
