// Package app is the terminal client: a conversation list, a chat pane and
// an input line rendered with tview. It owns no state of its own — every
// draw reads the cache snapshot, so realtime pushes, optimistic sends and
// pagination all surface through the same redraw path.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"movemsg/internal/cache"
	"movemsg/internal/model"
	"movemsg/internal/payload"
	"movemsg/internal/service/messenger"
	"movemsg/internal/status"
	"movemsg/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	App struct {
		app      *tview.Application
		convList *tview.List
		chatbox  *tview.TextView
		input    *tview.InputField

		msgr    *messenger.Messenger
		monitor *status.Monitor

		openID string
		// Decryption can fetch a sender key over the network, so results
		// are memoized per message id to keep redraws off the wire.
		decrypted map[string]payload.Payload
		failed    map[string]struct{}
	}
)

func NewApp(msgr *messenger.Messenger, monitor *status.Monitor) *App {
	return &App{
		app:       tview.NewApplication(),
		msgr:      msgr,
		monitor:   monitor,
		decrypted: make(map[string]payload.Payload),
		failed:    make(map[string]struct{}),
	}
}

// Run bootstraps the messenger, starts the realtime loop and blocks on the
// UI event loop until the user quits.
func (c *App) Run(ctx context.Context) error {
	if err := c.msgr.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	go c.msgr.RunRealtime(ctx)
	go c.watch(ctx)

	return c.renderUI(ctx)
}

func (c *App) Stop() {
	c.app.Stop()
}

// blocking function
func (c *App) renderUI(ctx context.Context) error {
	c.convList = tview.NewList().
		ShowSecondaryText(true)
	c.convList.SetBorder(true).SetTitle(" Conversations ")
	c.convList.SetSelectedFunc(func(index int, _, _ string, _ rune) {
		c.selectConversation(ctx, index)
	})

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(" Chat ")

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go c.submit(ctx, text)
	})

	right := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	layout := tview.NewFlex().
		AddItem(c.convList, 32, 0, false).
		AddItem(right, 0, 1, true)

	c.redraw()
	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

// watch redraws on every cache change and connectivity transition.
func (c *App) watch(ctx context.Context) {
	changes, cancelCache := c.msgr.Cache().Subscribe()
	defer cancelCache()
	states, cancelStatus := c.monitor.Subscribe()
	defer cancelStatus()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		case <-states:
		}
		c.app.QueueUpdateDraw(c.redraw)
	}
}

func (c *App) selectConversation(ctx context.Context, index int) {
	snap := c.msgr.Cache().Snapshot()
	if index < 0 || index >= len(snap.Conversations) {
		return
	}
	conv := snap.Conversations[index]
	c.openID = conv.ID

	c.msgr.OpenConversation(ctx, conv.ID)
	go func() {
		if err := c.msgr.LoadMessages(ctx, conv.ID, 0); err != nil {
			log.Error("load messages failed", zap.Error(err))
		}
	}()
	c.app.SetFocus(c.input)
	c.redraw()
}

// submit dispatches an input line: slash commands act on the open
// conversation, anything else is sent as a text message.
func (c *App) submit(ctx context.Context, text string) {
	if c.openID == "" {
		return
	}

	var err error
	switch {
	case text == "/accept":
		err = c.msgr.Accept(ctx, c.openID)
	case text == "/decline":
		err = c.msgr.Decline(ctx, c.openID)
	case text == "/block":
		err = c.msgr.Block(ctx, c.openID)
	case strings.HasPrefix(text, "/share "):
		parts := strings.SplitN(strings.TrimPrefix(text, "/share "), " ", 2)
		share := payload.MovementShare{URL: parts[0]}
		if len(parts) == 2 {
			share.Title = parts[1]
		}
		_, err = c.msgr.Send(ctx, c.openID, share)
	case strings.HasPrefix(text, "/media "):
		parts := strings.SplitN(strings.TrimPrefix(text, "/media "), " ", 2)
		var caption string
		if len(parts) == 2 {
			caption = parts[1]
		}
		if _, statErr := os.Stat(parts[0]); statErr == nil {
			// Local file: upload first, then send the returned URL.
			_, err = c.msgr.SendMedia(ctx, c.openID, parts[0], caption)
		} else {
			media := payload.Media{URL: parts[0], Caption: caption}
			media.Sensitive = payload.InferSensitive(caption, media.URL)
			_, err = c.msgr.Send(ctx, c.openID, media)
		}
	default:
		_, err = c.msgr.Send(ctx, c.openID, payload.Text{Text: text})
	}

	if err != nil {
		log.Error("action failed", zap.Error(err))
	}
	c.app.QueueUpdateDraw(c.redraw)
}

func (c *App) redraw() {
	snap := c.msgr.Cache().Snapshot()
	c.drawConversations(snap)
	c.drawMessages(snap)
}

func (c *App) drawConversations(snap cache.Snapshot) {
	current := c.convList.GetCurrentItem()
	c.convList.Clear()
	c.convList.SetTitle(fmt.Sprintf(" Conversations (%s) ", c.monitor.State()))

	for _, conv := range snap.Conversations {
		title := c.titleOf(conv)
		if conv.UnreadCount > 0 {
			title = fmt.Sprintf("%s (%d)", title, conv.UnreadCount)
		}
		secondary := conv.LastMessagePreview
		if conv.RequestStatus == model.RequestPending {
			secondary = "[request pending: /accept /decline /block]"
		}
		c.convList.AddItem(title, secondary, 0, nil)
	}
	if current >= 0 && current < c.convList.GetItemCount() {
		c.convList.SetCurrentItem(current)
	}
}

func (c *App) drawMessages(snap cache.Snapshot) {
	c.chatbox.Clear()
	if c.openID == "" {
		fmt.Fprint(c.chatbox, "Select a conversation to start chatting.\n")
		return
	}

	conv, ok := snap.Conversation(c.openID)
	if !ok {
		return
	}
	c.chatbox.SetTitle(fmt.Sprintf(" Chat with %s ", c.titleOf(conv)))

	page := snap.Messages[c.openID]
	// Page is newest-first; render oldest-first.
	for i := len(page) - 1; i >= 0; i-- {
		fmt.Fprint(c.chatbox, c.renderLine(conv, page[i]))
	}
	c.chatbox.ScrollToEnd()
}

func (c *App) renderLine(conv model.Conversation, msg model.Message) string {
	sender := "[green]" + msg.SenderIdentity + "[-]"
	if model.NormalizeIdentity(msg.SenderIdentity) == c.msgr.Self() {
		sender = "[yellow]You[-]"
	}

	body, ok := c.decrypted[msg.ID]
	if !ok {
		if _, bad := c.failed[msg.ID]; bad {
			return fmt.Sprintf("%s: [red][message could not be decrypted][-]\n", sender)
		}
		var err error
		body, err = c.msgr.Decrypt(context.TODO(), &conv, &msg)
		if err != nil {
			c.failed[msg.ID] = struct{}{}
			return fmt.Sprintf("%s: [red][message could not be decrypted][-]\n", sender)
		}
		c.decrypted[msg.ID] = body
	}

	var text string
	switch v := body.(type) {
	case payload.Text:
		text = tview.Escape(v.Text)
	case payload.Media:
		if v.Sensitive {
			text = fmt.Sprintf("[red][sensitive media][-] %s", v.URL)
		} else {
			text = fmt.Sprintf("[media] %s %s", v.URL, tview.Escape(v.Caption))
		}
	case payload.MovementShare:
		text = fmt.Sprintf("[blue][shared][-] %s %s", tview.Escape(v.Title), v.URL)
	default:
		text = tview.Escape(payload.Preview(body))
	}

	if msg.Pending {
		text += " [gray](sending…)[-]"
	}
	return fmt.Sprintf("%s: %s\n", sender, text)
}

func (c *App) titleOf(conv model.Conversation) string {
	if conv.IsGroup {
		if conv.Group != nil && conv.Group.Name != "" {
			return conv.Group.Name
		}
		return fmt.Sprintf("group of %d", len(conv.Participants))
	}
	return conv.PeerOf(c.msgr.Self())
}
