package region

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Binary layout of a region, little endian throughout. Every process maps the
// same file, so offsets here are the contract between them.
const (
	layoutMagic   uint32 = 0x434d4853 // "SHMC"
	layoutVersion uint32 = 1

	stateInit  uint32 = 0
	stateReady uint32 = 1

	// header
	offMagic     = 0
	offVersion   = 4
	offState     = 8
	offOwner     = 12
	offAttached  = 16
	offMaxWidth  = 20
	offMaxHeight = 24
	offMaxDepth  = 28
	offMaxBoxes  = 32
	offImageOff  = 40
	offImageCap  = 48
	offBoxOff    = 56
	offBoxCap    = 64
	headerSize   = 128

	// flag table
	flagTableOff = headerSize
	flagTableLen = FlagSlots * 4

	// frame slot header
	frameOff       = flagTableOff + flagTableLen
	frameGuard     = frameOff + 0
	frameSeq       = frameOff + 4
	frameWidth     = frameOff + 8
	frameHeight    = frameOff + 12
	frameDepth     = frameOff + 16
	frameLength    = frameOff + 24
	frameNumber    = frameOff + 32
	frameTimestamp = frameOff + 40
	frameFormat    = frameOff + 48
	formatTagLen   = 16
	frameSlotSize  = 64

	// box slot header
	boxOff      = frameOff + frameSlotSize
	boxGuard    = boxOff + 0
	boxSeq      = boxOff + 4
	boxLength   = boxOff + 8
	boxCRC      = boxOff + 12
	boxSlotSize = 16

	payloadOff = boxOff + boxSlotSize

	// boxRecordMax bounds the encoded size of one box record.
	boxRecordMax = 160
	maxLabelLen  = 64
	maxColorLen  = 16
)

// geometry is the computed placement of the payload areas.
type geometry struct {
	maxWidth, maxHeight, maxDepth, maxBoxes int
	imageOff, imageCap                      int
	boxOff, boxCap                          int
	size                                    int
}

func align8(n int) int { return (n + 7) &^ 7 }

func computeGeometry(maxWidth, maxHeight, maxDepth, maxBoxes int) geometry {
	g := geometry{
		maxWidth:  maxWidth,
		maxHeight: maxHeight,
		maxDepth:  maxDepth,
		maxBoxes:  maxBoxes,
		imageOff:  payloadOff,
		imageCap:  maxWidth * maxHeight * maxDepth,
		boxCap:    maxBoxes * boxRecordMax,
	}
	g.boxOff = align8(g.imageOff + g.imageCap)
	g.size = g.boxOff + g.boxCap
	return g
}

func (g geometry) writeHeader(mem []byte) {
	le := binary.LittleEndian
	le.PutUint32(mem[offMagic:], layoutMagic)
	le.PutUint32(mem[offVersion:], layoutVersion)
	le.PutUint32(mem[offMaxWidth:], uint32(g.maxWidth))
	le.PutUint32(mem[offMaxHeight:], uint32(g.maxHeight))
	le.PutUint32(mem[offMaxDepth:], uint32(g.maxDepth))
	le.PutUint32(mem[offMaxBoxes:], uint32(g.maxBoxes))
	le.PutUint64(mem[offImageOff:], uint64(g.imageOff))
	le.PutUint64(mem[offImageCap:], uint64(g.imageCap))
	le.PutUint64(mem[offBoxOff:], uint64(g.boxOff))
	le.PutUint64(mem[offBoxCap:], uint64(g.boxCap))
}

func readGeometry(mem []byte) geometry {
	le := binary.LittleEndian
	g := geometry{
		maxWidth:  int(le.Uint32(mem[offMaxWidth:])),
		maxHeight: int(le.Uint32(mem[offMaxHeight:])),
		maxDepth:  int(le.Uint32(mem[offMaxDepth:])),
		maxBoxes:  int(le.Uint32(mem[offMaxBoxes:])),
		imageOff:  int(le.Uint64(mem[offImageOff:])),
		imageCap:  int(le.Uint64(mem[offImageCap:])),
		boxOff:    int(le.Uint64(mem[offBoxOff:])),
		boxCap:    int(le.Uint64(mem[offBoxCap:])),
	}
	g.size = g.boxOff + g.boxCap
	return g
}

// word returns the 32-bit word at off for atomic access. Offsets are 4-byte
// aligned and the mapping is page aligned.
func word(mem []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

func load(mem []byte, off int) uint32 { return atomic.LoadUint32(word(mem, off)) }

func store(mem []byte, off int, v uint32) { atomic.StoreUint32(word(mem, off), v) }
