package views

import (
	"fmt"
	"time"

	"marketchat/internal/transport/httpdto"

	"github.com/rivo/tview"
)

// ConversationList is the inbox table.
type ConversationList struct {
	*tview.Table
	items []httpdto.Conversation
}

func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true).SetTitle(" Conversations ")
	return &ConversationList{Table: table}
}

// Update redraws the rows and keeps the selection on the same conversation
// when it moved.
func (l *ConversationList) Update(items []httpdto.Conversation, online func(userID string) bool) {
	selected := l.Selected()
	l.items = items
	l.Clear()

	l.SetCell(0, 0, tview.NewTableCell(" With").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	l.SetCell(0, 1, tview.NewTableCell(" Last Message").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	l.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	for i, c := range items {
		row := i + 1
		name := displayName(c.OtherUser)
		if online != nil && online(c.OtherUser.ID) {
			name = "[green]●[-] " + name
		} else {
			name = "  " + name
		}
		if c.UnreadCount > 0 {
			name = fmt.Sprintf("%s [::b](%d)[::-]", name, c.UnreadCount)
		}
		var at string
		if c.LastMessageAt != nil {
			at = formatTimestamp(*c.LastMessageAt)
		}
		l.SetCell(row, 0, tview.NewTableCell(" "+name).SetMaxWidth(30).SetExpansion(1))
		l.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(c.LastMessage))).SetMaxWidth(40).SetExpansion(2))
		l.SetCell(row, 2, tview.NewTableCell(" "+at).SetMaxWidth(12))
		if c.ID == selected {
			l.Select(row, 0)
		}
	}
}

// Selected returns the id of the highlighted conversation.
func (l *ConversationList) Selected() string {
	row, _ := l.GetSelection()
	idx := row - 1
	if idx >= 0 && idx < len(l.items) {
		return l.items[idx].ID
	}
	return ""
}

func displayName(u httpdto.User) string {
	if u.DisplayName != "" {
		return tview.Escape(sanitizeForTerminal(u.DisplayName))
	}
	return u.ID
}

func formatTimestamp(t time.Time) string {
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
