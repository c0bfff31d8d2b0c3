// Package probe sniffs media containers for a playback duration. The result
// is a best-effort hint for server-side capacity accounting; unknown or
// malformed containers simply report no duration.
package probe

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Duration attempts to read the media duration in seconds from r. It returns
// false when the container is unrecognized or the header cannot be parsed.
// The reader's position is left undefined; callers should seek afterwards.
func Duration(r io.ReadSeeker) (float64, bool) {
	head := make([]byte, 12)
	if _, err := io.ReadFull(r, head); err != nil {
		return 0, false
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, false
	}
	switch {
	case bytes.Equal(head[4:8], []byte("ftyp")):
		return mp4Duration(r)
	case bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return wavDuration(r)
	default:
		return 0, false
	}
}

// mp4Duration walks top-level boxes for moov, then moov children for mvhd.
func mp4Duration(r io.ReadSeeker) (float64, bool) {
	for {
		size, boxType, headerLen, ok := readBoxHeader(r)
		if !ok {
			return 0, false
		}
		if boxType == "moov" {
			return mvhdDuration(r, size-headerLen)
		}
		if size < headerLen {
			return 0, false
		}
		if _, err := r.Seek(size-headerLen, io.SeekCurrent); err != nil {
			return 0, false
		}
	}
}

func mvhdDuration(r io.ReadSeeker, remaining int64) (float64, bool) {
	for remaining > 0 {
		size, boxType, headerLen, ok := readBoxHeader(r)
		if !ok || size < headerLen {
			return 0, false
		}
		if boxType == "mvhd" {
			buf := make([]byte, size-headerLen)
			if _, err := io.ReadFull(r, buf); err != nil {
				return 0, false
			}
			return parseMvhd(buf)
		}
		if _, err := r.Seek(size-headerLen, io.SeekCurrent); err != nil {
			return 0, false
		}
		remaining -= size
	}
	return 0, false
}

func parseMvhd(buf []byte) (float64, bool) {
	if len(buf) < 1 {
		return 0, false
	}
	version := buf[0]
	if version == 1 {
		// version(1) flags(3) creation(8) modification(8) timescale(4) duration(8)
		if len(buf) < 32 {
			return 0, false
		}
		timescale := binary.BigEndian.Uint32(buf[20:24])
		duration := binary.BigEndian.Uint64(buf[24:32])
		if timescale == 0 {
			return 0, false
		}
		return float64(duration) / float64(timescale), true
	}
	// version(1) flags(3) creation(4) modification(4) timescale(4) duration(4)
	if len(buf) < 20 {
		return 0, false
	}
	timescale := binary.BigEndian.Uint32(buf[12:16])
	duration := binary.BigEndian.Uint32(buf[16:20])
	if timescale == 0 {
		return 0, false
	}
	return float64(duration) / float64(timescale), true
}

// readBoxHeader reads one ISO BMFF box header, handling 64-bit sizes.
func readBoxHeader(r io.Reader) (size int64, boxType string, headerLen int64, ok bool) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, "", 0, false
	}
	size = int64(binary.BigEndian.Uint32(head[0:4]))
	boxType = string(head[4:8])
	headerLen = 8
	if size == 1 {
		var large [8]byte
		if _, err := io.ReadFull(r, large[:]); err != nil {
			return 0, "", 0, false
		}
		size = int64(binary.BigEndian.Uint64(large[:]))
		headerLen = 16
	}
	if size != 0 && size < headerLen {
		return 0, "", 0, false
	}
	return size, boxType, headerLen, true
}

// wavDuration walks RIFF chunks for fmt (byte rate) and data (payload size).
func wavDuration(r io.ReadSeeker) (float64, bool) {
	if _, err := r.Seek(12, io.SeekStart); err != nil {
		return 0, false
	}
	var byteRate uint32
	var dataSize uint32
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			break
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])
		switch id {
		case "fmt ":
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return 0, false
			}
			if len(buf) >= 12 {
				byteRate = binary.LittleEndian.Uint32(buf[8:12])
			}
		case "data":
			dataSize = size
			if byteRate > 0 {
				return float64(dataSize) / float64(byteRate), true
			}
			// fmt chunk not seen yet, skip the payload and keep scanning
			if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
				return 0, false
			}
		default:
			if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
				return 0, false
			}
		}
		// chunks are word aligned
		if size%2 == 1 {
			if _, err := r.Seek(1, io.SeekCurrent); err != nil {
				break
			}
		}
		if byteRate > 0 && dataSize > 0 {
			return float64(dataSize) / float64(byteRate), true
		}
	}
	if byteRate > 0 && dataSize > 0 {
		return float64(dataSize) / float64(byteRate), true
	}
	return 0, false
}
