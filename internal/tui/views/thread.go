package views

import (
	"fmt"
	"strings"

	"marketchat/internal/transport/httpdto"

	"github.com/rivo/tview"
)

// Thread shows the transcript of the open conversation.
type Thread struct {
	*tview.TextView
}

func NewThread() *Thread {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")
	return &Thread{TextView: tv}
}

// Update redraws the transcript, oldest first. self marks the viewer's own
// messages; typing lists who is composing right now.
func (t *Thread) Update(title string, msgs []httpdto.Message, self string, typing []string) {
	t.SetTitle(fmt.Sprintf(" %s ", title))
	t.Clear()

	for _, m := range msgs {
		sender := "them"
		if m.Sender != nil && m.Sender.DisplayName != "" {
			sender = tview.Escape(sanitizeForTerminal(m.Sender.DisplayName))
		}
		if m.SenderID == self {
			sender = "You"
		}
		meta := formatTimestamp(m.CreatedAt)
		if m.IsEdited {
			meta += " · edited"
		}
		if m.SenderID == self && m.IsRead {
			meta += " · read"
		}
		_, _ = fmt.Fprintf(t, "[::b]%s[-:-:-] [::d]%s[-:-:-]\n%s\n\n", sender, meta, body(m))
	}
	if len(typing) > 0 {
		_, _ = fmt.Fprintf(t, "[::d]%s typing…[-:-:-]\n", strings.Join(typing, ", "))
	}
	t.ScrollToEnd()
}

func body(m httpdto.Message) string {
	switch {
	case m.IsDeleted:
		return "[::i]message deleted[-:-:-]"
	case m.Kind == "location" && m.Latitude != nil && m.Longitude != nil:
		return fmt.Sprintf("📍 %.5f, %.5f", *m.Latitude, *m.Longitude)
	case m.MediaURL != "" && m.Text == "":
		name := m.FileName
		if name == "" {
			name = m.MediaURL
		}
		return fmt.Sprintf("[%s] %s", m.Kind, tview.Escape(name))
	}
	return tview.Escape(sanitizeForTerminal(m.Text))
}
