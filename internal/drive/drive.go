// Package drive classifies cloud drive files by the kind of processing they can feed.
package drive

import (
	"fmt"
	"math"
	"strings"

	"github.com/tendant/simple-jobwatch/internal/api"
	"github.com/tendant/simple-jobwatch/internal/job"
)

// Kind is the role a drive file can play in a submission.
type Kind string

const (
	KindAudio Kind = "audio"
	KindPDF   Kind = "pdf"
	KindOther Kind = "other"
)

var audioMimeTypes = map[string]struct{}{
	"audio/mpeg":   {},
	"audio/mp4":    {},
	"audio/x-m4a":  {},
	"audio/mp3":    {},
	"audio/wav":    {},
	"audio/webm":   {},
	"audio/ogg":    {},
	"audio/aac":    {},
	"audio/flac":   {},
	"audio/x-flac": {},
}

const pdfMimeType = "application/pdf"

// Classify returns the kind for mimeType. Parameters such as "; codecs=opus" are ignored.
func Classify(mimeType string) Kind {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	switch {
	case mimeType == pdfMimeType:
		return KindPDF
	case isAudio(mimeType):
		return KindAudio
	default:
		return KindOther
	}
}

func isAudio(mimeType string) bool {
	_, ok := audioMimeTypes[mimeType]
	return ok
}

// SupportedMimeTypes returns a list of all MIME types a submission accepts.
func SupportedMimeTypes() []string {
	return []string{
		// Recordings
		"audio/mpeg",
		"audio/mp4",
		"audio/x-m4a",
		"audio/mp3",
		"audio/wav",
		"audio/webm",
		"audio/ogg",
		"audio/aac",
		"audio/flac",
		"audio/x-flac",
		// Attachments
		pdfMimeType,
	}
}

// Filter returns the files of the given kind, preserving order.
func Filter(files []api.File, kind Kind) []api.File {
	out := make([]api.File, 0, len(files))
	for _, f := range files {
		if Classify(f.MimeType) == kind {
			out = append(out, f)
		}
	}
	return out
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// FormatSize renders a byte count with two decimals in binary units, e.g. "1.50 MB".
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	i = min(max(i, 0), len(sizeUnits)-1)
	return fmt.Sprintf("%.2f %s", float64(bytes)/math.Pow(1024, float64(i)), sizeUnits[i])
}

// CheckSubmission verifies that the recording is audio and every attachment is
// a PDF. Files with an empty MIME type are not checked.
func CheckSubmission(recording api.File, attachments []api.File) error {
	if recording.MimeType != "" && Classify(recording.MimeType) != KindAudio {
		return &job.ValidationError{Field: "file_id", Reason: fmt.Sprintf("%s is not a supported audio file (%s)", recording.Name, recording.MimeType)}
	}
	for _, a := range attachments {
		if a.MimeType != "" && Classify(a.MimeType) != KindPDF {
			return &job.ValidationError{Field: "attachment_file_ids", Reason: fmt.Sprintf("%s is not a PDF (%s)", a.Name, a.MimeType)}
		}
	}
	return nil
}
