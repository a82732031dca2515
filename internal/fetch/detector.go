package fetch

import (
	"bytes"
)

const defaultBodyLengthThreshold = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("infinite-scroll"),
	[]byte("data-infinite"),
}

// NeedsRendering guesses whether a page builds its content with
// JavaScript, in which case the static body is useless and the headless
// renderer should take over.
func NeedsRendering(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	if len(body) < defaultBodyLengthThreshold && bytes.Contains(bytes.ToLower(body), []byte("<script")) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}
