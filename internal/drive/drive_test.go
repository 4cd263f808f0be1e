package drive

import (
	"errors"
	"testing"

	"github.com/tendant/simple-jobwatch/internal/api"
	"github.com/tendant/simple-jobwatch/internal/job"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		want     Kind
	}{
		{"mpeg", "audio/mpeg", KindAudio},
		{"m4a", "audio/x-m4a", KindAudio},
		{"flac upper case", "Audio/FLAC", KindAudio},
		{"webm with codec", "audio/webm; codecs=opus", KindAudio},
		{"pdf", "application/pdf", KindPDF},
		{"unlisted audio", "audio/amr", KindOther},
		{"video", "video/mp4", KindOther},
		{"empty", "", KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.mimeType); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.mimeType, got, tt.want)
			}
		})
	}
}

func TestSupportedMimeTypesClassify(t *testing.T) {
	for _, m := range SupportedMimeTypes() {
		if Classify(m) == KindOther {
			t.Errorf("supported type %s classified as other", m)
		}
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	files := []api.File{
		{ID: "1", MimeType: "audio/mpeg"},
		{ID: "2", MimeType: "application/pdf"},
		{ID: "3", MimeType: "audio/wav"},
		{ID: "4", MimeType: "image/png"},
	}

	audio := Filter(files, KindAudio)
	if len(audio) != 2 || audio[0].ID != "1" || audio[1].ID != "3" {
		t.Fatalf("unexpected audio files: %+v", audio)
	}
	if pdfs := Filter(files, KindPDF); len(pdfs) != 1 || pdfs[0].ID != "2" {
		t.Fatalf("unexpected pdf files: %+v", pdfs)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 Bytes"},
		{512, "512.00 Bytes"},
		{1024, "1.00 KB"},
		{1536 * 1024, "1.50 MB"},
		{5 << 30, "5.00 GB"},
		{3 << 50, "3072.00 TB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.bytes); got != tt.want {
			t.Errorf("FormatSize(%d) = %s, want %s", tt.bytes, got, tt.want)
		}
	}
}

func TestCheckSubmission(t *testing.T) {
	rec := api.File{ID: "f1", Name: "a.m4a", MimeType: "audio/x-m4a"}
	pdf := api.File{ID: "p1", Name: "notes.pdf", MimeType: "application/pdf"}

	if err := CheckSubmission(rec, []api.File{pdf}); err != nil {
		t.Fatalf("valid submission rejected: %v", err)
	}
	if err := CheckSubmission(api.File{ID: "f2"}, nil); err != nil {
		t.Fatalf("unknown mime type rejected: %v", err)
	}

	var ve *job.ValidationError
	err := CheckSubmission(pdf, nil)
	if !errors.As(err, &ve) || ve.Field != "file_id" {
		t.Fatalf("pdf as recording: %v", err)
	}
	err = CheckSubmission(rec, []api.File{rec})
	if !errors.As(err, &ve) || ve.Field != "attachment_file_ids" {
		t.Fatalf("audio as attachment: %v", err)
	}
}
