// Package domain contains the core concepts shared by the render service and the
// export pipeline. Keep it free of transport (HTTP) and infrastructure (Chrome,
// Redis, Postgres) concerns.
package domain

import (
	"bytes"
	"fmt"
	"strings"
)

// Kind is the output format of a render job.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindPNG  Kind = "png"
	KindJPEG Kind = "jpeg"
)

// ParseKind accepts the wire spellings of an output kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pdf":
		return KindPDF, nil
	case "png":
		return KindPNG, nil
	case "jpeg", "jpg":
		return KindJPEG, nil
	}
	return "", fmt.Errorf("unsupported output kind %q", s)
}

// MimeType returns the Content-Type for the kind.
func (k Kind) MimeType() string {
	switch k {
	case KindPDF:
		return "application/pdf"
	case KindPNG:
		return "image/png"
	case KindJPEG:
		return "image/jpeg"
	}
	return "application/octet-stream"
}

// Ext returns the file extension, without the dot.
func (k Kind) Ext() string {
	if k == KindJPEG {
		return "jpg"
	}
	return string(k)
}

// IsImage reports whether the kind is a raster format.
func (k Kind) IsImage() bool {
	return k == KindPNG || k == KindJPEG
}

var signatures = map[Kind][]byte{
	KindPDF:  []byte("%PDF"),
	KindPNG:  {0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'},
	KindJPEG: {0xff, 0xd8, 0xff},
}

// HasSignature reports whether b starts with the file signature of kind.
func HasSignature(kind Kind, b []byte) bool {
	sig, ok := signatures[kind]
	return ok && bytes.HasPrefix(b, sig)
}

// PageFormat is a named physical page size in inches.
type PageFormat struct {
	Name   string
	Width  float64
	Height float64
}

// Landscape returns the format rotated by 90 degrees.
func (p PageFormat) Landscape() PageFormat {
	p.Width, p.Height = p.Height, p.Width
	return p
}

// PixelSize converts the page box to CSS pixels at dpi.
func (p PageFormat) PixelSize(dpi float64) (int64, int64) {
	return int64(p.Width*dpi + 0.5), int64(p.Height*dpi + 0.5)
}

// Margins are page margins in inches.
type Margins struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// RenderJob is a single request to turn a standalone document into an artifact.
// HTML must be a complete document that only references stable external
// resources such as web fonts.
type RenderJob struct {
	HTML              string
	Kind              Kind
	PageFormat        PageFormat
	Margins           Margins
	DeviceScaleFactor float64
	// Quality applies to KindJPEG only.
	Quality  int
	FullPage bool
}

// RenderResult is produced exactly once per successful job and never reused.
type RenderResult struct {
	Bytes    []byte
	MimeType string
	Length   int
}

// NewRenderResult wraps freshly captured bytes.
func NewRenderResult(kind Kind, b []byte) RenderResult {
	return RenderResult{Bytes: b, MimeType: kind.MimeType(), Length: len(b)}
}
