// Package validation checks user-supplied source files before a job is admitted.
package validation

import (
	"errors"
	"io"
	"net/http"
)

// ErrDisallowedFileType is returned when a file is not a known video container.
var ErrDisallowedFileType = errors.New("file type not allowed")

// allowedContainers is the allowlist of container types accepted as a source.
var allowedContainers = map[string]bool{
	"video/x-matroska": true,
	"video/webm":       true,
	"video/mp4":        true,
	"video/quicktime":  true,
	"video/avi":        true,
	"video/mpeg":       true,
	"video/mp2t":       true,
}

const (
	magicBytesBufferSize = 512
	tsPacketSize         = 188
)

// DetectContainer reads the leading bytes of r and reports the container
// MIME type and whether it is allowed as a conversion source. The reader is
// rewound before returning.
func DetectContainer(reader io.ReadSeeker) (mime string, allowed bool, err error) {
	buf := make([]byte, magicBytesBufferSize)
	n, err := io.ReadFull(reader, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", false, err
	}

	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return "", false, err
	}

	if n == 0 {
		return "application/octet-stream", false, nil
	}
	buf = buf[:n]

	mime = detectVideoMagic(buf)
	if mime == "" {
		mime = http.DetectContentType(buf)
	}

	return mime, allowedContainers[mime], nil
}

// detectVideoMagic recognises containers http.DetectContentType misses or
// labels too broadly.
func detectVideoMagic(buf []byte) string {
	if len(buf) < 4 {
		return ""
	}

	// Matroska/WebM: EBML header, DocType tells them apart
	if buf[0] == 0x1A && buf[1] == 0x45 && buf[2] == 0xDF && buf[3] == 0xA3 {
		if containsASCII(buf, "webm") {
			return "video/webm"
		}
		return "video/x-matroska"
	}

	// MP4/QuickTime: ftyp box at offset 4
	if len(buf) >= 12 && string(buf[4:8]) == "ftyp" {
		if string(buf[8:12]) == "qt  " {
			return "video/quicktime"
		}
		return "video/mp4"
	}

	// MPEG transport stream: sync byte at the start of consecutive packets
	if buf[0] == 0x47 && len(buf) > 2*tsPacketSize &&
		buf[tsPacketSize] == 0x47 && buf[2*tsPacketSize] == 0x47 {
		return "video/mp2t"
	}

	return ""
}

func containsASCII(buf []byte, s string) bool {
	for i := 0; i+len(s) <= len(buf); i++ {
		if string(buf[i:i+len(s)]) == s {
			return true
		}
	}
	return false
}
