package model

import (
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type MediaType string

const (
	MediaPhoto     MediaType = "photo"
	MediaVideo     MediaType = "video"
	MediaDocument  MediaType = "document"
	MediaAnimation MediaType = "animation"
)

const (
	MaxTextLen    = 4096
	MaxCaptionLen = 1024
)

// Media references an already-uploaded platform file.
type Media struct {
	Type   MediaType `json:"type" validate:"required,oneof=photo video document animation"`
	FileID string    `json:"file_id" validate:"required"`
}

// Button is a link button shown under the message.
type Button struct {
	Text string `json:"text" validate:"required"`
	URL  string `json:"url" validate:"required,url"`
}

// Content is what a broadcast or welcome template sends.
type Content struct {
	Text    string   `json:"text" validate:"required_without=Media"`
	Media   *Media   `json:"media,omitempty"`
	Buttons []Button `json:"buttons,omitempty" validate:"dive"`
}

// Validate checks that the content can be rendered as one message.
func (c Content) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	limit := MaxTextLen
	if c.Media != nil {
		limit = MaxCaptionLen
	}
	if n := utf8.RuneCountInString(c.Text); n > limit {
		return fmt.Errorf("text too long: %d > %d", n, limit)
	}
	return nil
}
