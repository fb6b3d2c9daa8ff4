// Package tui is a terminal inbox driven by the client sync engine.
package tui

import (
	"context"
	"time"

	"marketchat/internal/syncengine"
	"marketchat/internal/tui/views"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const flashFor = 5 * time.Second

// App is the TUI shell. All state lives in the engine; the views are redrawn
// from it whenever it announces a change.
type App struct {
	app      *tview.Application
	engine   *syncengine.Engine
	self     string
	list     *views.ConversationList
	thread   *views.Thread
	composer *views.Composer
	status   *views.StatusBar
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewApp builds the TUI for the user self, whose messages are shown as "You".
func NewApp(engine *syncengine.Engine, self, userLabel string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		app:      tview.NewApplication(),
		engine:   engine,
		self:     self,
		list:     views.NewConversationList(),
		thread:   views.NewThread(),
		composer: views.NewComposer(),
		status:   views.NewStatusBar(),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.status.SetUser(userLabel)
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(int, int) {
		if id := a.list.Selected(); id != "" {
			a.open(id)
		}
	})

	a.composer.SetOnChange(func(text string) {
		a.engine.SetDraft(a.ctx, text)
	})

	a.composer.SetOnSend(func(text string) {
		go func() {
			if _, err := a.engine.Send(a.ctx, syncengine.TextMessage(text)); err != nil {
				a.flash("Send failed: " + err.Error())
				a.app.QueueUpdateDraw(func() {
					if a.composer.GetText() == "" {
						a.composer.SetText(text)
					}
				})
			}
		}()
	})
}

func (a *App) setupLayout() {
	chat := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, false).
		AddItem(a.composer, 1, 0, false)

	body := tview.NewFlex().
		AddItem(a.list, 0, 2, true).
		AddItem(chat, 0, 3, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(a.status, 1, 0, false)

	a.app.SetRoot(root, true)
	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape:
			a.engine.Close(a.ctx)
			a.app.SetFocus(a.list)
			return nil
		case tcell.KeyTab:
			if a.app.GetFocus() == a.list && a.engine.State().Active() != "" {
				a.app.SetFocus(a.composer)
			} else {
				a.app.SetFocus(a.list)
			}
			return nil
		}
		return event
	})
}

func (a *App) open(conversationID string) {
	go func() {
		if err := a.engine.Open(a.ctx, conversationID); err != nil {
			a.flash("Open failed: " + err.Error())
			return
		}
		a.app.QueueUpdateDraw(func() { a.app.SetFocus(a.composer) })
	}()
}

func (a *App) flash(msg string) {
	a.app.QueueUpdateDraw(func() { a.status.SetFlash(msg) })
	time.AfterFunc(flashFor, func() {
		a.app.QueueUpdateDraw(func() { a.status.SetFlash("") })
	})
}

// render copies the engine state into the views. It runs on the UI goroutine.
func (a *App) render() {
	state := a.engine.State()
	a.list.Update(state.Conversations(), state.IsOnline)
	a.status.SetConnection(state.Status().String())

	active := state.Active()
	if active == "" {
		a.thread.Update("Messages", nil, a.self, nil)
		return
	}
	title := "Messages"
	var typing []string
	if c, ok := state.Conversation(active); ok {
		title = c.OtherUser.DisplayName
		if state.IsOnline(c.OtherUser.ID) {
			title += " · online"
		}
		if len(state.TypingUsers(active)) > 0 {
			typing = []string{c.OtherUser.DisplayName}
		}
	}
	a.thread.Update(title, state.Transcript(), a.self, typing)
}

// Run blocks until the user quits.
func (a *App) Run() error {
	defer a.cancel()

	changes, unsubscribe := a.engine.State().Subscribe(64)
	defer unsubscribe()
	go func() {
		for range changes {
			a.app.QueueUpdateDraw(a.render)
		}
	}()

	a.render()
	return a.app.Run()
}
