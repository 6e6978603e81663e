// Package orientation reads EXIF orientation tags and rotates decoded
// bitmaps to their intended viewing orientation.
package orientation

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// EXIF orientation values.
const (
	Undefined      = 0
	Normal         = 1
	FlipHorizontal = 2
	Rotate180      = 3
	FlipVertical   = 4
	Transpose      = 5
	Rotate90       = 6
	Transverse     = 7
	Rotate270      = 8
)

const (
	markerSOI  = 0xD8
	markerAPP1 = 0xE1
	markerSOS  = 0xDA
	markerEOI  = 0xD9

	tagOrientation = 0x0112
	typeShort      = 3
)

var errNotJPEG = errors.New("orientation: not a JPEG stream")

// ReadJPEG scans the markers of a JPEG stream up to the first scan and
// returns the orientation from its EXIF segment, or Undefined when there is
// none.
func ReadJPEG(r io.Reader) (int, error) {
	br := bufio.NewReader(r)
	var soi [2]byte
	if _, err := io.ReadFull(br, soi[:]); err != nil {
		return Undefined, err
	}
	if soi[0] != 0xFF || soi[1] != markerSOI {
		return Undefined, errNotJPEG
	}
	for {
		marker, err := nextMarker(br)
		if err != nil {
			return Undefined, err
		}
		if marker == markerSOS || marker == markerEOI {
			return Undefined, nil
		}
		// standalone markers carry no length
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			continue
		}
		var lenBuf [2]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return Undefined, err
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:])) - 2
		if n < 0 {
			return Undefined, errNotJPEG
		}
		if marker != markerAPP1 {
			if _, err := br.Discard(n); err != nil {
				return Undefined, err
			}
			continue
		}
		seg := make([]byte, n)
		if _, err := io.ReadFull(br, seg); err != nil {
			return Undefined, err
		}
		if len(seg) >= 6 && string(seg[:6]) == "Exif\x00\x00" {
			return parseTIFF(seg[6:]), nil
		}
	}
}

func nextMarker(br *bufio.Reader) (byte, error) {
	b, err := br.ReadByte()
	if err != nil {
		return 0, err
	}
	if b != 0xFF {
		return 0, errNotJPEG
	}
	// skip fill bytes
	for b == 0xFF {
		if b, err = br.ReadByte(); err != nil {
			return 0, err
		}
	}
	return b, nil
}

// parseTIFF reads the orientation tag from IFD0 of a TIFF header.
func parseTIFF(data []byte) int {
	if len(data) < 8 {
		return Undefined
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return Undefined
	}
	if order.Uint16(data[2:]) != 42 {
		return Undefined
	}
	ifd := int(order.Uint32(data[4:]))
	if ifd < 8 || ifd+2 > len(data) {
		return Undefined
	}
	count := int(order.Uint16(data[ifd:]))
	for i := 0; i < count; i++ {
		entry := ifd + 2 + i*12
		if entry+12 > len(data) {
			break
		}
		if order.Uint16(data[entry:]) != tagOrientation {
			continue
		}
		if order.Uint16(data[entry+2:]) != typeShort {
			return Undefined
		}
		v := int(order.Uint16(data[entry+8:]))
		if v < Normal || v > Rotate270 {
			return Undefined
		}
		return v
	}
	return Undefined
}

// Degrees returns the clockwise rotation an orientation implies.
func Degrees(orientation int) int {
	switch orientation {
	case Rotate90, Transverse:
		return 90
	case Rotate180, FlipVertical:
		return 180
	case Rotate270, Transpose:
		return 270
	}
	return 0
}
