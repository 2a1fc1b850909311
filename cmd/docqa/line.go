package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/brunobiangulo/docqa"
)

const (
	// maxLineText is the LINE limit for one text message.
	maxLineText = 5000

	lineEventTimeout = 2 * time.Minute
)

// lineReplier sends replies through the LINE Messaging API.
type lineReplier interface {
	ReplyMessage(req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error)
}

// lineHandler answers LINE text messages. Each LINE user gets a session
// keyed by their user ID.
type lineHandler struct {
	secret string
	client lineReplier
	engine docqa.Engine
	wg     sync.WaitGroup
}

func newLineHandler(secret, token string, engine docqa.Engine) (*lineHandler, error) {
	client, err := messaging_api.NewMessagingApiAPI(token)
	if err != nil {
		return nil, err
	}
	return &lineHandler{secret: secret, client: client, engine: engine}, nil
}

// ServeHTTP verifies the signature, acknowledges the delivery and answers
// the events in the background, as LINE expects a prompt 200.
func (h *lineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cb, err := webhook.ParseRequest(h.secret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			slog.Warn("line: invalid webhook signature")
			writeError(w, http.StatusBadRequest, "invalid signature")
		} else {
			slog.Error("line: parsing webhook request", "error", err)
			writeError(w, http.StatusInternalServerError, "invalid webhook request")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	events := make([]webhook.EventInterface, len(cb.Events))
	copy(events, cb.Events)
	h.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("line: panic in event processing", "panic", r)
			}
		}()
		for _, ev := range events {
			h.handleEvent(ev)
		}
	})
}

func (h *lineHandler) handleEvent(ev webhook.EventInterface) {
	e, ok := ev.(webhook.MessageEvent)
	if !ok {
		return
	}
	msg, ok := e.Message.(webhook.TextMessageContent)
	if !ok || e.ReplyToken == "" {
		return
	}
	userID := sourceID(e.Source)

	ctx, cancel := context.WithTimeout(context.Background(), lineEventTimeout)
	defer cancel()
	reply := h.engine.Reply(ctx, userID, msg.Text)
	if r := []rune(reply); len(r) > maxLineText {
		reply = string(r[:maxLineText])
	}

	_, err := h.client.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: e.ReplyToken,
		Messages: []messaging_api.MessageInterface{
			messaging_api.TextMessage{Text: reply},
		},
	})
	if err != nil {
		slog.Error("line: reply failed", "user", userID, "error", err)
	}
}

// sourceID returns the conversation key of an event source: the user in a
// one-to-one chat, otherwise the group or room.
func sourceID(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		return s.GroupId
	case webhook.RoomSource:
		return s.RoomId
	default:
		return "line-unknown"
	}
}

// Shutdown waits for in-flight events to be answered or ctx to end.
func (h *lineHandler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
