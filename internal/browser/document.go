package browser

import (
	"context"
	"fmt"

	"tubeprompt/internal/delivery"
	"tubeprompt/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Selectors locate the two elements the delivery agent needs.
type Selectors struct {
	Editor            string
	Submit            string
	DisabledAttribute string // the control is disabled while this is "true"
}

// DefaultSelectors match the Gemini web app.
func DefaultSelectors() Selectors {
	return Selectors{
		Editor:            `.ql-editor.textarea.new-input-ui[contenteditable="true"]`,
		Submit:            "button.send-button.submit",
		DisabledAttribute: "aria-disabled",
	}
}

// pageDocument adapts a rod page to delivery.Document.
type pageDocument struct {
	page *rod.Page
	sel  Selectors
}

func (d *pageDocument) FindEditor(ctx context.Context) (delivery.Editor, error) {
	el, err := d.find(ctx, d.sel.Editor)
	if err != nil {
		return nil, err
	}
	return &pageEditor{el: el}, nil
}

func (d *pageDocument) FindSubmit(ctx context.Context) (delivery.SubmitControl, error) {
	el, err := d.find(ctx, d.sel.Submit)
	if err != nil {
		return nil, err
	}
	return &pageSubmit{el: el, attr: d.sel.DisabledAttribute}, nil
}

func (d *pageDocument) find(ctx context.Context, selector string) (*rod.Element, error) {
	has, el, err := d.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	if !has {
		return nil, delivery.ErrNotFound
	}
	return el, nil
}

// replaceJS rebuilds the editor with DOM nodes rather than innerHTML so it
// works under Trusted Types.
const replaceJS = `function (lines) {
	while (this.firstChild) this.removeChild(this.firstChild);
	for (const line of lines) {
		const p = document.createElement('p');
		if (line.length === 0) {
			p.appendChild(document.createElement('br'));
		} else {
			p.textContent = line;
		}
		this.appendChild(p);
	}
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return this.childElementCount;
}`

type pageEditor struct {
	el *rod.Element
}

func (e *pageEditor) Replace(ctx context.Context, blocks []delivery.Block) error {
	lines := make([]string, len(blocks))
	for i, b := range blocks {
		lines[i] = b.Text
	}
	if _, err := e.el.Context(ctx).Eval(replaceJS, lines); err != nil {
		return fmt.Errorf("replace editor content: %w", err)
	}
	return nil
}

type pageSubmit struct {
	el   *rod.Element
	attr string
}

func (s *pageSubmit) Disabled(ctx context.Context) (bool, error) {
	v, err := s.el.Context(ctx).Attribute(s.attr)
	if err != nil {
		return false, err
	}
	return v != nil && *v == "true", nil
}

func (s *pageSubmit) Click(ctx context.Context) error {
	el := s.el.Context(ctx)
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		// Covered or off-screen controls still accept a synthetic click.
		logging.BrowserDebug("Mouse click on submit control failed, falling back to DOM click: %v", err)
		if _, jsErr := el.Eval(`function () { this.click(); }`); jsErr != nil {
			return fmt.Errorf("click submit control: %w", jsErr)
		}
	}
	return nil
}
