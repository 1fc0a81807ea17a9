package delivery

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Document when the element is not on the page.
var ErrNotFound = errors.New("element not found")

// Document is the destination page as seen by the agent: two located
// elements and nothing else.
type Document interface {
	// FindEditor returns the input surface or ErrNotFound.
	FindEditor(ctx context.Context) (Editor, error)
	// FindSubmit returns the submit control or ErrNotFound.
	FindSubmit(ctx context.Context) (SubmitControl, error)
}

// Editor is the input surface.
type Editor interface {
	// Replace swaps the whole content for one block element per line and
	// fires input and change events.
	Replace(ctx context.Context, blocks []Block) error
}

// SubmitControl is the control that sends the composed message.
type SubmitControl interface {
	Disabled(ctx context.Context) (bool, error)
	Click(ctx context.Context) error
}
