package scan

import (
	"bytes"
	"encoding/binary"
)

// StripEXIF removes metadata segments from image bytes without re-encoding
// pixels. Returns the filtered bytes and whether anything was removed.
// Unknown or malformed inputs are returned unchanged.
func StripEXIF(content []byte, mime string) ([]byte, bool) {
	switch mime {
	case "image/jpeg":
		return stripJPEG(content)
	case "image/png":
		return stripPNG(content)
	case "image/webp":
		return stripWebP(content)
	default:
		return content, false
	}
}

// stripJPEG drops APP1 (EXIF/XMP), APP2 (ICC), and COM segments.
func stripJPEG(content []byte) ([]byte, bool) {
	if len(content) < 4 || content[0] != 0xff || content[1] != 0xd8 {
		return content, false
	}

	out := make([]byte, 0, len(content))
	out = append(out, 0xff, 0xd8)
	removed := false

	i := 2
	for i+4 <= len(content) {
		if content[i] != 0xff {
			// Lost sync; keep the remainder untouched.
			break
		}
		marker := content[i+1]

		// Start of scan: everything from here is entropy-coded data.
		if marker == 0xda {
			out = append(out, content[i:]...)
			return out, removed
		}
		// Standalone markers without a length field.
		if marker == 0x01 || (marker >= 0xd0 && marker <= 0xd9) {
			out = append(out, content[i:i+2]...)
			i += 2
			continue
		}

		segLen := int(binary.BigEndian.Uint16(content[i+2 : i+4]))
		end := i + 2 + segLen
		if segLen < 2 || end > len(content) {
			break
		}

		switch marker {
		case 0xe1, 0xe2, 0xfe: // APP1, APP2, COM
			removed = true
		default:
			out = append(out, content[i:end]...)
		}
		i = end
	}

	if i < len(content) {
		out = append(out, content[i:]...)
	}
	return out, removed
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

// metadata chunk types removed from PNG files.
var pngMetadataChunks = map[string]bool{
	"eXIf": true,
	"tEXt": true,
	"zTXt": true,
	"iTXt": true,
	"tIME": true,
}

// stripPNG drops metadata chunks; chunk CRCs cover each chunk
// independently, so removal keeps the file valid.
func stripPNG(content []byte) ([]byte, bool) {
	if !bytes.HasPrefix(content, pngSignature) {
		return content, false
	}

	out := make([]byte, 0, len(content))
	out = append(out, pngSignature...)
	removed := false

	i := len(pngSignature)
	for i+8 <= len(content) {
		chunkLen := int(binary.BigEndian.Uint32(content[i : i+4]))
		end := i + 8 + chunkLen + 4 // length + type + data + crc
		if end > len(content) {
			break
		}
		chunkType := string(content[i+4 : i+8])

		if pngMetadataChunks[chunkType] {
			removed = true
		} else {
			out = append(out, content[i:end]...)
		}
		i = end
	}

	if i < len(content) {
		out = append(out, content[i:]...)
	}
	return out, removed
}

// stripWebP drops EXIF and XMP chunks from the RIFF container and rewrites
// the RIFF size field.
func stripWebP(content []byte) ([]byte, bool) {
	if len(content) < 12 || !bytes.HasPrefix(content, []byte("RIFF")) || string(content[8:12]) != "WEBP" {
		return content, false
	}

	out := make([]byte, 0, len(content))
	out = append(out, content[:12]...)
	removed := false

	i := 12
	for i+8 <= len(content) {
		chunkType := string(content[i : i+4])
		chunkLen := int(binary.LittleEndian.Uint32(content[i+4 : i+8]))
		end := i + 8 + chunkLen
		if chunkLen%2 == 1 {
			end++ // chunks are word-aligned
		}
		if end > len(content) {
			break
		}

		if chunkType == "EXIF" || chunkType == "XMP " {
			removed = true
		} else {
			out = append(out, content[i:end]...)
		}
		i = end
	}

	if removed {
		binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))
	}
	return out, removed
}
