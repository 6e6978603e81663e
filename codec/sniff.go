package codec

import (
	"bytes"
	"net/http"

	"github.com/Skryldev/image-loader/core"
)

// SniffLen is the number of leading bytes Sniff looks at.
const SniffLen = 512

// Sniff detects the image type from the leading bytes of a file and
// returns it with its mime type.
func Sniff(data []byte) (core.ImageType, string) {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return core.TypeJPEG, "image/jpeg"
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return core.TypePNG, "image/png"
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return core.TypeWebP, "image/webp"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return core.TypeGIF, "image/gif"
	case bytes.HasPrefix(data, []byte("BM")) && len(data) >= 14:
		return core.TypeBMP, "image/bmp"
	}
	// Fallback to net/http sniffing.
	ct := http.DetectContentType(data)
	if t := core.ImageTypeOf(ct); t != core.TypeUnknown {
		return t, ct
	}
	return core.TypeUnknown, ct
}
