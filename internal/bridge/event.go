package bridge

import (
	"fmt"
	"time"

	"github.com/HsiangNianian/AMonItor/bridge/internal/automation"
)

const EventWechatMessage = "wechat_message"

// MessageEvent is the data of a wechat_message event.
type MessageEvent struct {
	MessageID string   `json:"messageId"`
	From      string   `json:"from"`
	ChatID    string   `json:"chatId"`
	MsgType   string   `json:"msgType"`
	Content   string   `json:"content"`
	Raw       RawEvent `json:"raw"`
}

// RawEvent carries the unmapped message and chat fields for debugging on the
// service side.
type RawEvent struct {
	Message map[string]any `json:"message"`
	Chat    map[string]any `json:"chat"`
	TS      int64          `json:"ts"`
	Sender  string         `json:"sender"`
}

// PackMessageEvent maps an observed message to event data. The chat name
// stands in for both sender and chat id since the engine exposes no stable
// account ids.
func PackMessageEvent(msg automation.Message, chat automation.Chat, now time.Time) MessageEvent {
	info := msg.Info()
	rawChat := chatInfo(chat)

	messageID := info.Hash
	if messageID == "" {
		messageID = info.ID
	}
	if messageID == "" {
		messageID = fmt.Sprintf("msg-%d", now.UnixMilli())
	}
	chatName, _ := rawChat["chat_name"].(string)
	if chatName == "" {
		chatName, _ = rawChat["who"].(string)
	}
	msgType := info.Type
	if msgType == "" {
		msgType = "other"
	}

	return MessageEvent{
		MessageID: messageID,
		From:      chatName,
		ChatID:    chatName,
		MsgType:   msgType,
		Content:   info.Content,
		Raw: RawEvent{
			Message: messageFields(info),
			Chat:    rawChat,
			TS:      now.UnixMilli(),
			Sender:  info.Attr,
		},
	}
}

func messageFields(info automation.MessageInfo) map[string]any {
	fields := map[string]any{
		"id":        info.ID,
		"hash":      info.Hash,
		"type":      info.Type,
		"attr":      info.Attr,
		"content":   info.Content,
		"direction": info.Direction,
		"distance":  info.Distance,
	}
	if info.QuoteNickname != "" || info.QuoteContent != "" {
		fields["quote_nickname"] = info.QuoteNickname
		fields["quote_content"] = info.QuoteContent
	}
	return fields
}

func chatInfo(chat automation.Chat) map[string]any {
	out := map[string]any{}
	if chat == nil {
		return out
	}
	if info, err := chat.ChatInfo(); err == nil {
		for k, v := range info {
			out[k] = v
		}
	}
	out["who"] = chat.Who()
	return out
}
