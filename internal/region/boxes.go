package region

import (
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/TheBlackmad/AutomatedHome/pkg/types"
)

// Box records are protobuf wire format: the slot payload is a sequence of
// field 1 (bytes) entries, each one encoded box.
const (
	fieldBox        protowire.Number = 1
	fieldX          protowire.Number = 1
	fieldY          protowire.Number = 2
	fieldWidth      protowire.Number = 3
	fieldHeight     protowire.Number = 4
	fieldLabel      protowire.Number = 5
	fieldConfidence protowire.Number = 6
	fieldColor      protowire.Number = 7
)

var errCorruptBoxes = errors.New("corrupt box slot")

// SetBoxes replaces the stored detections. Lists longer than the region's box
// capacity are truncated, as are labels over 64 bytes and colours over 16.
// Both are logged.
func (r *Region) SetBoxes(boxes []types.Box) error {
	if len(boxes) > r.geo.maxBoxes {
		r.log.Warn("Truncating %d boxes to capacity %d", len(boxes), r.geo.maxBoxes)
		boxes = boxes[:r.geo.maxBoxes]
	}
	payload, clipped := encodeBoxes(boxes)
	if clipped > 0 {
		r.log.Warn("Truncated label or colour of %d boxes to %d/%d bytes", clipped, maxLabelLen, maxColorLen)
	}
	if len(payload) > r.geo.boxCap {
		return fmt.Errorf("%w: %d box bytes > %d", ErrCapacity, len(payload), r.geo.boxCap)
	}
	sum := crc32.ChecksumIEEE(payload)

	mem, release, err := r.acquireMap()
	if err != nil {
		return err
	}
	defer release()

	r.lockGuard(mem, boxGuard)
	s := beginWrite(mem, boxSeq)
	copy(mem[r.geo.boxOff:], payload)
	store(mem, boxLength, uint32(len(payload)))
	store(mem, boxCRC, sum)
	endWrite(mem, boxSeq, s)
	unlockGuard(mem, boxGuard)
	return nil
}

// Boxes returns the latest detections. A slot that cannot be decoded yields
// an empty list.
func (r *Region) Boxes() []types.Box {
	mem, release, err := r.acquireMap()
	if err != nil {
		return []types.Box{}
	}
	defer release()

	r.lockGuard(mem, boxGuard)
	payload, err := r.readBoxesLocked(mem)
	unlockGuard(mem, boxGuard)
	if err != nil {
		r.log.Warn("Ignoring box slot: %v", err)
		return []types.Box{}
	}

	boxes, err := decodeBoxes(payload)
	if err != nil {
		r.log.Warn("Ignoring box slot: %v", err)
		return []types.Box{}
	}
	return boxes
}

// BoxVersion returns the slot's write counter; it changes on every SetBoxes.
func (r *Region) BoxVersion() uint32 {
	mem, release, err := r.acquireMap()
	if err != nil {
		return 0
	}
	defer release()
	return load(mem, boxSeq) / 2
}

func (r *Region) readBoxesLocked(mem []byte) ([]byte, error) {
	if load(mem, boxSeq)%2 != 0 {
		return nil, fmt.Errorf("%w: write in progress", errCorruptBoxes)
	}
	n := int(load(mem, boxLength))
	if n > r.geo.boxCap {
		return nil, fmt.Errorf("%w: length %d exceeds %d", errCorruptBoxes, n, r.geo.boxCap)
	}
	payload := make([]byte, n)
	copy(payload, mem[r.geo.boxOff:r.geo.boxOff+n])
	if crc32.ChecksumIEEE(payload) != load(mem, boxCRC) {
		return nil, fmt.Errorf("%w: checksum mismatch", errCorruptBoxes)
	}
	return payload, nil
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// encodeBoxes also reports how many boxes had a string field truncated.
func encodeBoxes(boxes []types.Box) ([]byte, int) {
	var out []byte
	var rec []byte
	clipped := 0
	for _, b := range boxes {
		if len(b.Label) > maxLabelLen || len(b.Color) > maxColorLen {
			clipped++
		}
		rec = rec[:0]
		rec = appendVarintField(rec, fieldX, b.X)
		rec = appendVarintField(rec, fieldY, b.Y)
		rec = appendVarintField(rec, fieldWidth, b.Width)
		rec = appendVarintField(rec, fieldHeight, b.Height)
		if label := truncateUTF8(b.Label, maxLabelLen); label != "" {
			rec = protowire.AppendTag(rec, fieldLabel, protowire.BytesType)
			rec = protowire.AppendString(rec, label)
		}
		if b.Confidence != 0 && !math.IsNaN(b.Confidence) {
			rec = protowire.AppendTag(rec, fieldConfidence, protowire.Fixed64Type)
			rec = protowire.AppendFixed64(rec, math.Float64bits(b.Confidence))
		}
		if c := truncateUTF8(b.Color, maxColorLen); c != "" {
			rec = protowire.AppendTag(rec, fieldColor, protowire.BytesType)
			rec = protowire.AppendString(rec, c)
		}
		out = protowire.AppendTag(out, fieldBox, protowire.BytesType)
		out = protowire.AppendBytes(out, rec)
	}
	return out, clipped
}

func appendVarintField(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func decodeBoxes(payload []byte) ([]types.Box, error) {
	boxes := []types.Box{}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errCorruptBoxes, protowire.ParseError(n))
		}
		payload = payload[n:]
		if num != fieldBox || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errCorruptBoxes, protowire.ParseError(n))
			}
			payload = payload[n:]
			continue
		}
		rec, n := protowire.ConsumeBytes(payload)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errCorruptBoxes, protowire.ParseError(n))
		}
		payload = payload[n:]
		box, err := decodeBox(rec)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

func decodeBox(rec []byte) (types.Box, error) {
	var b types.Box
	for len(rec) > 0 {
		num, typ, n := protowire.ConsumeTag(rec)
		if n < 0 {
			return b, fmt.Errorf("%w: %v", errCorruptBoxes, protowire.ParseError(n))
		}
		rec = rec[n:]

		switch {
		case typ == protowire.VarintType && num >= fieldX && num <= fieldHeight:
			v, n := protowire.ConsumeVarint(rec)
			if n < 0 {
				return b, fmt.Errorf("%w: %v", errCorruptBoxes, protowire.ParseError(n))
			}
			rec = rec[n:]
			iv := int(protowire.DecodeZigZag(v))
			switch num {
			case fieldX:
				b.X = iv
			case fieldY:
				b.Y = iv
			case fieldWidth:
				b.Width = iv
			case fieldHeight:
				b.Height = iv
			}
		case typ == protowire.BytesType && (num == fieldLabel || num == fieldColor):
			v, n := protowire.ConsumeString(rec)
			if n < 0 {
				return b, fmt.Errorf("%w: %v", errCorruptBoxes, protowire.ParseError(n))
			}
			rec = rec[n:]
			if num == fieldLabel {
				b.Label = v
			} else {
				b.Color = v
			}
		case typ == protowire.Fixed64Type && num == fieldConfidence:
			v, n := protowire.ConsumeFixed64(rec)
			if n < 0 {
				return b, fmt.Errorf("%w: %v", errCorruptBoxes, protowire.ParseError(n))
			}
			rec = rec[n:]
			b.Confidence = math.Float64frombits(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, rec)
			if n < 0 {
				return b, fmt.Errorf("%w: %v", errCorruptBoxes, protowire.ParseError(n))
			}
			rec = rec[n:]
		}
	}
	return b, nil
}
