package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/omnipost/beam/internal/channel"
)

// Telegram delivers through the Bot API. The bot is created without a poller;
// this transport only sends.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(token string, timeout time.Duration) (*Telegram, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		Offline: token == "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{bot: b}, nil
}

// Send delivers the rendered text, attaching URL buttons as an inline
// keyboard. Flood-control replies are temporary; other API errors permanent.
func (t *Telegram) Send(ctx context.Context, msg *Message) error {
	chatID, err := strconv.ParseInt(msg.To, 10, 64)
	if err != nil {
		return &DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("invalid telegram chat id %q", msg.To),
		}
	}

	opts := &tele.SendOptions{}
	if markup := inlineKeyboard(msg); markup != nil {
		opts.ReplyMarkup = markup
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tele.ChatID(chatID), msg.Payload.Text, opts)
		done <- err
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		return &DeliveryError{Temporary: true, Message: "send cancelled: " + ctx.Err().Error()}
	}
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("flood control, retry after %ds", flood.RetryAfter),
		}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return &DeliveryError{
			Temporary: apiErr.Code >= 500,
			Message:   fmt.Sprintf("telegram API %d: %s", apiErr.Code, apiErr.Description),
		}
	}
	return &DeliveryError{
		Temporary: true,
		Message:   fmt.Sprintf("telegram send failed: %v", err),
	}
}

func inlineKeyboard(msg *Message) *tele.ReplyMarkup {
	var rows [][]tele.InlineButton
	for _, block := range msg.Payload.Blocks {
		if block.Type != channel.BlockButtons {
			continue
		}
		var row []tele.InlineButton
		for _, btn := range block.Buttons {
			if btn.URL == "" {
				continue
			}
			row = append(row, tele.InlineButton{Text: btn.Label, URL: btn.URL})
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}
