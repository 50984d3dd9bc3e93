package model

import (
	"fmt"
	"strings"
)

// ContentKind is the category of artifact a job is expected to produce. The
// value doubles as the key the backend uses inside a node's output object.
type ContentKind string

const (
	KindImages ContentKind = "images"
	KindVideos ContentKind = "videos"
	KindAudios ContentKind = "audios"
)

// ParseContentKind accepts the plural output keys and their singular forms.
func ParseContentKind(s string) (ContentKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "images", "image":
		return KindImages, nil
	case "videos", "video":
		return KindVideos, nil
	case "audios", "audio":
		return KindAudios, nil
	}
	return "", fmt.Errorf("unknown content kind %q (want images, videos or audios)", s)
}

// String returns the output key for the kind.
func (k ContentKind) String() string {
	return string(k)
}

// OutputDescriptor references the artifact a completed job produced.
type OutputDescriptor struct {
	Kind      ContentKind `json:"kind"`
	NodeID    string      `json:"node"`
	Filename  string      `json:"filename"`
	Subfolder string      `json:"subfolder,omitempty"`
	Type      string      `json:"type,omitempty"`
	URL       string      `json:"url"`
}
