package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	v1 "chatlens/shared/contracts/wss/v1"
)

// Normalization: pure coercion from the heterogeneous raw payloads the
// extension emits (field names and scalar types vary across versions) into
// the canonical v1 shapes. Nothing here fails on malformed input; individual
// fields degrade to their zero value and record-level validation decides
// whether the result is usable.

var markupTagRE = regexp.MustCompile(`</?[^>]+>`)

// StripMarkup removes markup tags from free-text fields.
func StripMarkup(s string) string {
	if s == "" {
		return s
	}
	return strings.TrimSpace(markupTagRE.ReplaceAllString(s, ""))
}

// flexBool accepts JSON bool, string ("true"/"1"/"yes"...), or number.
// Anything unrecognized stays unset.
type flexBool struct {
	v   bool
	set bool
}

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		return nil
	case string(data) == "true":
		b.v, b.set = true, true
	case string(data) == "false":
		b.v, b.set = false, true
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes":
			b.v, b.set = true, true
		case "false", "0", "no":
			b.v, b.set = false, true
		}
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return nil
		}
		b.v, b.set = n != 0, true
	}
	return nil
}

type rawUser struct {
	ID       v1.ID  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

func (u *rawUser) ref() *v1.UserRef {
	if u == nil {
		return nil
	}
	return &v1.UserRef{
		ID:       u.ID,
		Name:     strings.TrimSpace(u.Name),
		Username: strings.TrimSpace(u.Username),
		Avatar:   strings.TrimSpace(u.Avatar),
	}
}

type rawMedia struct {
	ID       v1.ID   `json:"id"`
	URL      string  `json:"url"`
	Type     string  `json:"type"`
	MimeType string  `json:"mime_type"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Duration float64 `json:"duration"`
	Size     int64   `json:"size"`
}

type rawMessage struct {
	ID v1.ID `json:"id"`

	ChatID      v1.ID `json:"chat_id"`
	ChatIDCamel v1.ID `json:"chatId"`

	SenderID      v1.ID `json:"sender_id"`
	SenderIDCamel v1.ID `json:"senderId"`

	SenderName string `json:"sender_name"`

	Text string `json:"text"`
	Body string `json:"body"`

	CreatedAt      v1.Time `json:"created_at"`
	CreatedAtCamel v1.Time `json:"createdAt"`
	ChangedAt      v1.Time `json:"changed_at"`
	ChangedAtCamel v1.Time `json:"changedAt"`

	Direction string `json:"direction"`

	FromUser *rawUser `json:"fromUser"`
	WithUser *rawUser `json:"withUser"`

	IsPinned flexBool `json:"isPinned"`
	IsTip    flexBool `json:"isTip"`
	IsFree   flexBool `json:"isFree"`

	MediaCount int     `json:"mediaCount"`
	Price      float64 `json:"price"`

	Media []rawMedia `json:"media"`

	ReplyTo      json.RawMessage `json:"replyToMessage"`
	ReplyToSnake json.RawMessage `json:"reply_to_message"`
}

type rawChat struct {
	ID v1.ID `json:"id"`

	WithUser *rawUser `json:"withUser"`
	WithSnek *rawUser `json:"with_user"`

	Messages []json.RawMessage `json:"messages"`

	UnreadCount      int `json:"unread_count"`
	UnreadCountCamel int `json:"unreadCount"`

	LastMessageTime v1.Time `json:"last_message_time"`

	Extra map[string]any `json:"extra"`
}

func firstID(ids ...v1.ID) string {
	for _, id := range ids {
		if id != "" {
			return id.String()
		}
	}
	return ""
}

func firstTime(ts ...v1.Time) v1.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return v1.Time{}
}

// deriveFromCreator decides whether a message was authored by the account
// owner: by creator id match when configured, otherwise from the legacy
// direction field, otherwise undetermined (nil).
func deriveFromCreator(senderID, creatorID, direction string) *bool {
	if creatorID != "" && senderID != "" {
		b := senderID == creatorID
		return &b
	}
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "outbound", "creator":
		b := true
		return &b
	case "inbound", "fan":
		b := false
		return &b
	}
	return nil
}

// resolveSenderName yields a best-effort display name: explicit name, sender
// profile, counterparty profile, a role label from the authored-by flag,
// then "Unknown".
func resolveSenderName(explicit string, from, with *rawUser, fromCreator *bool) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	for _, u := range []*rawUser{from, with} {
		if u == nil {
			continue
		}
		if s := strings.TrimSpace(u.Name); s != "" {
			return s
		}
		if s := strings.TrimSpace(u.Username); s != "" {
			return s
		}
	}
	if fromCreator != nil {
		if *fromCreator {
			return "Creator"
		}
		return "Fan"
	}
	return "Unknown"
}

// ErrUnusableRecord marks a record that is still missing required fields
// after normalization.
var ErrUnusableRecord = errors.New("ingest: unusable record")

// NormalizeMessage coerces one raw message payload into canonical form.
// creatorID, when configured, drives the authored-by-owner derivation.
func NormalizeMessage(raw json.RawMessage, creatorID string) (v1.Message, error) {
	return normalizeMessage(raw, creatorID, 0)
}

// Reply-to chains are bounded to avoid unbounded recursion on cyclic or
// adversarial payloads.
const maxReplyDepth = 4

func normalizeMessage(raw json.RawMessage, creatorID string, depth int) (v1.Message, error) {
	var rm rawMessage
	if err := json.Unmarshal(raw, &rm); err != nil {
		return v1.Message{}, err
	}

	id := rm.ID.String()
	if id == "" {
		return v1.Message{}, ErrUnusableRecord
	}

	senderID := firstID(rm.SenderID, rm.SenderIDCamel)
	if senderID == "" && rm.FromUser != nil {
		senderID = rm.FromUser.ID.String()
	}

	text := rm.Text
	if text == "" {
		text = rm.Body
	}

	fromCreator := deriveFromCreator(senderID, creatorID, rm.Direction)

	msg := v1.Message{
		ID:          id,
		ChatID:      firstID(rm.ChatID, rm.ChatIDCamel),
		SenderID:    senderID,
		SenderName:  resolveSenderName(rm.SenderName, rm.FromUser, rm.WithUser, fromCreator),
		Text:        StripMarkup(text),
		CreatedAt:   firstTime(rm.CreatedAt, rm.CreatedAtCamel),
		ChangedAt:   firstTime(rm.ChangedAt, rm.ChangedAtCamel),
		FromCreator: fromCreator,
		IsPinned:    rm.IsPinned.v,
		IsTip:       rm.IsTip.v,
		IsFree:      rm.IsFree.v,
		MediaCount:  rm.MediaCount,
		Price:       rm.Price,
	}

	for _, m := range rm.Media {
		msg.Media = append(msg.Media, v1.MediaItem{
			ID:       m.ID,
			URL:      m.URL,
			Type:     m.Type,
			MimeType: m.MimeType,
			Width:    m.Width,
			Height:   m.Height,
			Duration: m.Duration,
			Size:     m.Size,
		})
	}

	replyRaw := rm.ReplyTo
	if len(replyRaw) == 0 {
		replyRaw = rm.ReplyToSnake
	}
	if len(replyRaw) > 0 && string(replyRaw) != "null" && depth < maxReplyDepth {
		if reply, err := normalizeMessage(replyRaw, creatorID, depth+1); err == nil {
			msg.ReplyTo = &reply
		}
	}

	return msg, nil
}

// NormalizeChat coerces one raw chat payload into canonical form. Embedded
// messages that fail normalization are skipped, not fatal.
func NormalizeChat(raw json.RawMessage, creatorID string) (v1.ChatThread, error) {
	var rc rawChat
	if err := json.Unmarshal(raw, &rc); err != nil {
		return v1.ChatThread{}, err
	}

	id := rc.ID.String()
	if id == "" {
		return v1.ChatThread{}, ErrUnusableRecord
	}

	withUser := rc.WithUser
	if withUser == nil {
		withUser = rc.WithSnek
	}

	unread := rc.UnreadCount
	if unread == 0 {
		unread = rc.UnreadCountCamel
	}

	thread := v1.ChatThread{
		ID:            id,
		WithUser:      withUser.ref(),
		UnreadCount:   unread,
		LastMessageAt: rc.LastMessageTime,
		Extra:         rc.Extra,
	}

	for _, m := range rc.Messages {
		msg, err := normalizeMessage(m, creatorID, 0)
		if err != nil {
			continue
		}
		if msg.ChatID == "" {
			msg.ChatID = id
		}
		thread.Messages = append(thread.Messages, msg)
	}

	return thread, nil
}
