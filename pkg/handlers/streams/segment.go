package streams

import (
	"context"
	"mime"
	"net/url"
	"path"
	"strings"

	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/types"
)

const (
	tsSyncByte   = 0x47
	tsPacketSize = 188
)

// SegmentHandler relays media segments and other binary bodies unchanged,
// correcting the content type from the body's leading bytes.
type SegmentHandler struct {
	log *logging.Logger
}

// NewSegmentHandler creates a new segment relay handler.
func NewSegmentHandler(log *logging.Logger) *SegmentHandler {
	return &SegmentHandler{
		log: log.WithComponent("segment-handler"),
	}
}

// Kind returns the stream kind.
func (h *SegmentHandler) Kind() types.StreamKind {
	return types.StreamKindSegment
}

// CanHandle accepts any body; the segment handler is the registry fallback.
func (h *SegmentHandler) CanHandle(string, []byte) bool {
	return true
}

// Handle streams the upstream body through. The returned body is up.Body.
func (h *SegmentHandler) Handle(_ context.Context, up *types.UpstreamResponse, session types.ProxySession) (*types.StreamResponse, error) {
	declared := up.Header.Get("Content-Type")
	contentType := CorrectContentType(declared, up.Head, up.URL)
	if contentType != declared {
		h.log.Debug("segment content type corrected",
			"url", up.URL,
			"source", session.Source,
			"declared", declared,
			"served", contentType,
		)
	}

	headers := make(map[string]string)
	if cl := up.Header.Get("Content-Length"); cl != "" {
		headers["Content-Length"] = cl
	}
	if cr := up.Header.Get("Content-Range"); cr != "" {
		headers["Content-Range"] = cr
	}
	headers["Accept-Ranges"] = "bytes"
	headers["Cache-Control"] = "public, max-age=3600"

	return &types.StreamResponse{
		ContentType: contentType,
		Body:        up.Body,
		StatusCode:  up.StatusCode,
		Headers:     headers,
	}, nil
}

// CorrectContentType returns the content type to serve for a body whose first
// bytes are head. A transport stream sync byte or an MP4 box header overrides
// whatever the upstream declared; otherwise a sane declared type is kept and a
// generic one is replaced by a guess from the URL extension.
func CorrectContentType(declared string, head []byte, rawURL string) string {
	mt := baseMediaType(declared)

	switch {
	case hasSyncByte(head) && mt == "video/mp2t":
		return declared
	case hasSyncByte(head) && (isGenericType(mt) || packetsAligned(head)):
		return "video/mp2t"
	case isFragmentedMP4(head):
		switch mt {
		case "video/mp4", "audio/mp4", "application/mp4", "video/iso.segment":
			return declared
		}
		return "video/mp4"
	}

	if !isGenericType(mt) {
		return declared
	}
	return guessContentType(rawURL)
}

// hasSyncByte reports whether head starts with the transport stream sync byte.
func hasSyncByte(head []byte) bool {
	return len(head) > 0 && head[0] == tsSyncByte
}

// packetsAligned reports whether a second packet, when present, also starts
// with the sync byte.
func packetsAligned(head []byte) bool {
	return len(head) <= tsPacketSize || head[tsPacketSize] == tsSyncByte
}

func isTransportStream(head []byte) bool {
	return hasSyncByte(head) && packetsAligned(head)
}

func isFragmentedMP4(head []byte) bool {
	if len(head) < 8 {
		return false
	}
	switch string(head[4:8]) {
	case "ftyp", "styp", "moof":
		return true
	}
	return false
}

func baseMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// isGenericType reports declared types that say nothing reliable about a
// media body, including the document and image types used to disguise segments.
func isGenericType(mt string) bool {
	switch {
	case mt == "":
		return true
	case strings.HasPrefix(mt, "text/html"), mt == "text/plain", mt == "application/xhtml+xml",
		mt == "application/json", mt == "application/xml", mt == "text/xml":
		return true
	case strings.HasPrefix(mt, "image/"):
		return true
	}
	return false
}

// guessContentType guesses the content type based on file extension.
func guessContentType(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))

	contentTypes := map[string]string{
		".ts":   "video/mp2t",
		".m4s":  "video/iso.segment",
		".mp4":  "video/mp4",
		".m4v":  "video/x-m4v",
		".m4a":  "audio/mp4",
		".aac":  "audio/aac",
		".mp3":  "audio/mpeg",
		".webm": "video/webm",
		".vtt":  "text/vtt",
		".m3u8": ManifestContentType,
	}

	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

var _ interfaces.StreamHandler = (*SegmentHandler)(nil)
