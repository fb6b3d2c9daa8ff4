package views

import (
	"fmt"

	"github.com/rivo/tview"
)

// StatusBar shows who is signed in, the connection state and a flash message.
type StatusBar struct {
	*tview.TextView
	user       string
	connection string
	flash      string
}

func NewStatusBar() *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	return &StatusBar{TextView: tv}
}

func (sb *StatusBar) SetUser(user string) {
	sb.user = user
	sb.render()
}

func (sb *StatusBar) SetConnection(status string) {
	sb.connection = status
	sb.render()
}

func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	color := "yellow"
	if sb.connection == "connected" {
		color = "green"
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | [%s]%s[-] | enter:open esc:back tab:switch", sb.user, color, sb.connection)
	if sb.flash != "" {
		line += fmt.Sprintf(" | [red]%s[-]", tview.Escape(sb.flash))
	}
	_, _ = fmt.Fprint(sb, line)
}
