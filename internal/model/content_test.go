package model

import (
	"strings"
	"testing"
)

func TestContentValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		c       Content
		wantErr bool
	}{
		{name: "text only", c: Content{Text: "hi"}},
		{name: "media only", c: Content{Media: &Media{Type: MediaPhoto, FileID: "f1"}}},
		{name: "empty", c: Content{}, wantErr: true},
		{name: "bad media type", c: Content{Media: &Media{Type: "sticker", FileID: "f1"}}, wantErr: true},
		{name: "media without file", c: Content{Text: "x", Media: &Media{Type: MediaVideo}}, wantErr: true},
		{name: "button", c: Content{Text: "x", Buttons: []Button{{Text: "Open", URL: "https://example.com"}}}},
		{name: "button bad url", c: Content{Text: "x", Buttons: []Button{{Text: "Open", URL: "nope"}}}, wantErr: true},
		{name: "button no text", c: Content{Text: "x", Buttons: []Button{{URL: "https://example.com"}}}, wantErr: true},
		{name: "caption too long", c: Content{Text: strings.Repeat("a", MaxCaptionLen+1), Media: &Media{Type: MediaDocument, FileID: "f"}}, wantErr: true},
		{name: "text at limit", c: Content{Text: strings.Repeat("a", MaxTextLen)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()
	for _, st := range []JobStatus{JobCompleted, JobCancelled} {
		if !st.Terminal() {
			t.Fatalf("%s should be terminal", st)
		}
	}
	for _, st := range []JobStatus{JobDraft, JobSending} {
		if st.Terminal() {
			t.Fatalf("%s should not be terminal", st)
		}
	}
	if _, err := ParseJobStatus("paused"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
