package cache

import "net/http"

// ShouldRevalidate reports whether a conditional request can be made for the entry.
func ShouldRevalidate(entry *Entry) bool {
	return entry != nil && entry.ETag != ""
}

// AddConditionalHeaders sets If-None-Match from the entry's ETag.
func AddConditionalHeaders(req *http.Request, entry *Entry) {
	if req == nil || !ShouldRevalidate(entry) {
		return
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set("If-None-Match", entry.ETag)
}
