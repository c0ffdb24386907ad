package streams

import (
	"bytes"
	"sync"
)

// Markers delimiting one image on the plotting side-channel.
var (
	StartImage = []byte("STARTIMAGE")
	EndImage   = []byte("ENDIMAGE")
)

// ImageExtractor reassembles framed binary images from an arbitrarily chunked
// byte stream. A start marker resets the buffer; an end marker emits the
// buffered bytes as one image. Bytes seen before any start marker accumulate
// into the same buffer, so an end marker without a start still yields them.
type ImageExtractor struct {
	mu      sync.Mutex
	buf     []byte
	pending []byte
	onImage func([]byte)
}

// NewImageExtractor calls fn with every completed image.
func NewImageExtractor(fn func([]byte)) *ImageExtractor {
	return &ImageExtractor{onImage: fn}
}

func (x *ImageExtractor) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	data := append(x.pending, p...)
	x.pending = nil
	for {
		si := bytes.Index(data, StartImage)
		ei := bytes.Index(data, EndImage)
		switch {
		case si >= 0 && (ei < 0 || si < ei):
			x.buf = x.buf[:0]
			data = data[si+len(StartImage):]
		case ei >= 0:
			x.buf = append(x.buf, data[:ei]...)
			img := append([]byte(nil), x.buf...)
			x.buf = x.buf[:0]
			data = data[ei+len(EndImage):]
			if x.onImage != nil {
				x.onImage(img)
			}
		default:
			keep := markerPrefixLen(data)
			x.buf = append(x.buf, data[:len(data)-keep]...)
			x.pending = append([]byte(nil), data[len(data)-keep:]...)
			return len(p), nil
		}
	}
}

// Buffered reports how many bytes wait for an end marker.
func (x *ImageExtractor) Buffered() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.buf) + len(x.pending)
}

// markerPrefixLen is the length of the longest suffix of data that is a
// proper prefix of either marker.
func markerPrefixLen(data []byte) int {
	longest := 0
	for _, m := range [][]byte{StartImage, EndImage} {
		for n := min(len(m)-1, len(data)); n > longest; n-- {
			if bytes.HasSuffix(data, m[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}
