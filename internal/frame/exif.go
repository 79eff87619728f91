package frame

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
)

const (
	markerSOI  = 0xD8
	markerAPP0 = 0xE0
	markerAPP1 = 0xE1
	markerSOS  = 0xDA
	markerEOI  = 0xD9

	tagOrientation = 0x0112
	typeShort      = 3
)

var exifHeader = []byte("Exif\x00\x00")

// ReadEXIF returns the raw APP1 Exif segment of a JPEG file, marker and
// length included, or nil when the file is not a JPEG or carries none.
func ReadEXIF(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var soi [2]byte
	if _, err := io.ReadFull(r, soi[:]); err != nil || soi[0] != 0xFF || soi[1] != markerSOI {
		return nil, nil
	}
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:2]); err != nil {
			return nil, nil
		}
		if hdr[0] != 0xFF {
			return nil, nil
		}
		marker := hdr[1]
		if marker == 0xFF {
			// fill byte; the next one is the marker
			if err := r.UnreadByte(); err != nil {
				return nil, err
			}
			continue
		}
		if marker == markerSOS || marker == markerEOI {
			return nil, nil
		}
		if _, err := io.ReadFull(r, hdr[2:]); err != nil {
			return nil, nil
		}
		n := int(binary.BigEndian.Uint16(hdr[2:]))
		if n < 2 {
			return nil, nil
		}
		if marker != markerAPP1 {
			if _, err := r.Discard(n - 2); err != nil {
				return nil, nil
			}
			continue
		}
		seg := make([]byte, 2+n)
		copy(seg, hdr[:])
		if _, err := io.ReadFull(r, seg[4:]); err != nil {
			return nil, nil
		}
		if bytes.HasPrefix(seg[4:], exifHeader) {
			return seg, nil
		}
	}
}

// uprightEXIF returns a copy of an Exif segment with IFD0's orientation set
// to 1, for pixels that were already rotated upright.
func uprightEXIF(seg []byte) []byte {
	out := bytes.Clone(seg)
	tiff := out[4+len(exifHeader):]
	if len(tiff) < 8 {
		return out
	}
	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return out
	}
	ifd := int(order.Uint32(tiff[4:8]))
	if ifd < 8 || ifd+2 > len(tiff) {
		return out
	}
	count := int(order.Uint16(tiff[ifd:]))
	for i := 0; i < count; i++ {
		e := ifd + 2 + 12*i
		if e+12 > len(tiff) {
			break
		}
		if order.Uint16(tiff[e:]) == tagOrientation && order.Uint16(tiff[e+2:]) == typeShort {
			order.PutUint16(tiff[e+8:], 1)
			break
		}
	}
	return out
}

// spliceEXIF inserts seg into an encoded JPEG right after SOI, or after a
// leading JFIF APP0 segment.
func spliceEXIF(jpeg, seg []byte) ([]byte, error) {
	if len(jpeg) < 4 || jpeg[0] != 0xFF || jpeg[1] != markerSOI {
		return nil, errors.New("frame: not a JPEG stream")
	}
	at := 2
	if jpeg[2] == 0xFF && jpeg[3] == markerAPP0 && len(jpeg) >= 6 {
		at += 2 + int(binary.BigEndian.Uint16(jpeg[4:6]))
		if at > len(jpeg) {
			return nil, errors.New("frame: truncated APP0 segment")
		}
	}
	out := make([]byte, 0, len(jpeg)+len(seg))
	out = append(out, jpeg[:at]...)
	out = append(out, seg...)
	return append(out, jpeg[at:]...), nil
}
