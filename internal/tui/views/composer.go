package views

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Composer is the text input for the open conversation.
type Composer struct {
	*tview.InputField
	onSend   func(text string)
	onChange func(text string)
}

func NewComposer() *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)

	c := &Composer{InputField: input}
	input.SetChangedFunc(func(text string) {
		if c.onChange != nil {
			c.onChange(text)
		}
	})
	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || c.onSend == nil {
			return
		}
		if text := c.GetText(); text != "" {
			c.SetText("")
			c.onSend(text)
		}
	})
	return c
}

func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}

// SetOnChange is called on every edit, including programmatic ones.
func (c *Composer) SetOnChange(fn func(text string)) {
	c.onChange = fn
}
