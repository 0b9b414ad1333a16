// Package push turns loosely shaped push payloads into notifications.
package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Field aliases, first match wins.
var (
	callIDKeys       = []string{"call_id", "callId", "callID"}
	callTypeKeys     = []string{"call_type", "callType"}
	callerNameKeys   = []string{"caller_name", "callerName", "caller_username", "callerUsername", "caller", "from_name", "fromName"}
	callerAvatarKeys = []string{"caller_avatar", "callerAvatar", "caller_avatar_url", "avatar_url", "avatarUrl", "avatar"}

	conversationKeys  = []string{"conversation_id", "conversationId", "conversationID", "chat_id", "chatId"}
	senderNameKeys    = []string{"sender_name", "senderName", "sender_username", "senderUsername", "from_name", "fromName"}
	senderAvatarKeys  = []string{"sender_avatar", "senderAvatar", "avatar_url", "avatarUrl", "avatar"}
	contentKeys       = []string{"content", "message_content", "messageContent", "text", "body"}
	nestedNameKeys    = []string{"username", "full_name", "fullName", "display_name", "name"}
	nestedAvatarKeys  = []string{"avatar_url", "avatarUrl", "avatar"}
	nestedContentKeys = []string{"content", "text", "body"}

	callTypes    = map[string]bool{"call": true, "incoming_call": true}
	messageTypes = map[string]bool{"message": true, "new_message": true, "chat_message": true}
)

// Fields is a decoded payload object.
type Fields map[string]any

// Decode never fails: empty, malformed or unexpected payloads, and any panic
// while decoding, degrade to a generic notification.
func Decode(raw []byte) (n Notification) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("push decode panicked, showing generic notification", "panic", r)
			n = Generic{Body: fallbackText(raw)}.Notification()
		}
	}()
	return Parse(raw).Notification()
}

// Parse classifies raw and extracts the fields valid for its kind.
func Parse(raw []byte) Descriptor {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Generic{}
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Generic{Body: fallbackText(raw)}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		if s, isStr := v.(string); isStr {
			return Generic{Body: fallbackText([]byte(s))}
		}
		return Generic{Body: fallbackText(raw)}
	}

	f := withEnvelope(obj)
	switch Classify(f) {
	case KindCall:
		return parseCall(f)
	case KindMessage:
		return parseMessage(f)
	default:
		return parseGeneric(f)
	}
}

// withEnvelope fills fields missing at the top level from a "data" object,
// which may itself be a JSON-encoded string.
func withEnvelope(obj map[string]any) Fields {
	f := Fields(obj)
	var data map[string]any
	switch d := obj["data"].(type) {
	case map[string]any:
		data = d
	case string:
		_ = json.Unmarshal([]byte(d), &data)
	}
	if len(data) == 0 {
		return f
	}
	merged := make(Fields, len(obj)+len(data))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range obj {
		if k == "data" {
			continue
		}
		merged[k] = v
	}
	return merged
}

// Classify decides the payload kind. A call marker wins over message markers.
func Classify(f Fields) Kind {
	typ := strings.ToLower(f.str("type"))
	if callTypes[typ] || f.first(callTypeKeys) != "" || f.first(callIDKeys) != "" {
		return KindCall
	}
	if messageTypes[typ] || f.first(conversationKeys) != "" {
		return KindMessage
	}
	return KindGeneric
}

func parseCall(f Fields) Call {
	return Call{
		CallID:       f.first(callIDKeys),
		CallerName:   orDefault(f.first(callerNameKeys), "Someone"),
		CallerAvatar: f.first(callerAvatarKeys),
		CallType:     strings.ToLower(orDefault(f.first(callTypeKeys), "voice")),
	}
}

func parseMessage(f Fields) Message {
	m := Message{ConversationID: f.first(conversationKeys)}

	if sender, ok := nested(f["sender"]); ok {
		m.SenderName = sender.first(nestedNameKeys)
		m.SenderAvatar = sender.first(nestedAvatarKeys)
	}
	if m.SenderName == "" {
		m.SenderName = f.first(senderNameKeys)
	}
	if m.SenderName == "" {
		m.SenderName = plain(f["sender"])
	}
	if m.SenderAvatar == "" {
		m.SenderAvatar = f.first(senderAvatarKeys)
	}

	if msg, ok := nested(f["message"]); ok {
		m.Content = msg.first(nestedContentKeys)
	}
	if m.Content == "" {
		m.Content = f.first(contentKeys)
	}
	if m.Content == "" {
		m.Content = plain(f["message"])
	}
	return m
}

func parseGeneric(f Fields) Generic {
	return Generic{
		Title: f.str("title"),
		Body:  f.first([]string{"body", "message", "text"}),
		Icon:  f.str("icon"),
		Tag:   f.str("tag"),
		URL:   f.first([]string{"url", "link", "click_action"}),
	}
}

// nested accepts an object or a JSON-encoded object string.
func nested(v any) (Fields, bool) {
	switch t := v.(type) {
	case map[string]any:
		return Fields(t), true
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(t), &obj); err == nil && obj != nil {
			return Fields(obj), true
		}
	}
	return nil, false
}

// plain returns v when it is a string that is not itself JSON.
func plain(v any) string {
	s, ok := v.(string)
	if !ok || json.Valid([]byte(s)) && strings.HasPrefix(strings.TrimSpace(s), "{") {
		return ""
	}
	return s
}

func (f Fields) first(keys []string) string {
	for _, k := range keys {
		if s := f.str(k); s != "" {
			return s
		}
	}
	return ""
}

// str renders scalar values; objects and arrays read as absent.
func (f Fields) str(key string) string {
	switch v := f[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case nil, map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

const maxFallbackRunes = 200

// fallbackText is the trimmed payload, cut to maxFallbackRunes runes and
// with invalid UTF-8 replaced.
func fallbackText(raw []byte) string {
	s := strings.ToValidUTF8(strings.TrimSpace(string(raw)), "\uFFFD")
	if utf8.RuneCountInString(s) > maxFallbackRunes {
		s = string([]rune(s)[:maxFallbackRunes])
	}
	return s
}
