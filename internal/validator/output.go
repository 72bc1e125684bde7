package validator

import (
	"errors"
	"strings"

	"github.com/ashutoshrp06/brainstream/internal/image"
)

// ErrNoImages is returned for a successful response without any images.
var ErrNoImages = errors.New("no images returned")

type OutputValidator struct{}

func NewOutputValidator() *OutputValidator {
	return &OutputValidator{}
}

// ValidateImage checks an image response. The returned error message is what
// gets stored on the session.
func (v *OutputValidator) ValidateImage(resp *image.Response) error {
	if resp == nil {
		return errors.New("empty image response")
	}

	if !resp.Success {
		if msg := strings.TrimSpace(resp.Error); msg != "" {
			return errors.New(msg)
		}
		return errors.New("image generation failed")
	}

	if len(resp.Images) == 0 {
		return ErrNoImages
	}

	return nil
}
