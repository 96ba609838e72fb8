// Package payload defines the tagged union carried inside an encrypted
// message body: plain text, a media attachment, or a movement share. The
// union is serialized to JSON before encryption and decoded after
// decryption; anything that does not parse falls back to plain text so a
// malformed or unknown payload never crashes rendering.
package payload

import (
	"encoding/json"
	"strings"
)

type Kind string

const (
	KindText          Kind = "text"
	KindMedia         Kind = "media"
	KindMovementShare Kind = "movement_share"
)

type (
	// Payload is the message content sum type.
	Payload interface {
		Kind() Kind
	}

	Text struct {
		Text string `json:"text"`
	}

	Media struct {
		URL       string `json:"url"`
		Caption   string `json:"caption,omitempty"`
		Sensitive bool   `json:"sensitive,omitempty"`
	}

	MovementShare struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	}

	wire struct {
		Type      Kind   `json:"type"`
		Text      string `json:"text,omitempty"`
		URL       string `json:"url,omitempty"`
		Caption   string `json:"caption,omitempty"`
		Sensitive bool   `json:"sensitive,omitempty"`
		Title     string `json:"title,omitempty"`
	}
)

func (Text) Kind() Kind          { return KindText }
func (Media) Kind() Kind         { return KindMedia }
func (MovementShare) Kind() Kind { return KindMovementShare }

// Encode serializes a payload to the JSON form that gets encrypted.
func Encode(p Payload) (string, error) {
	var w wire
	switch v := p.(type) {
	case Text:
		w = wire{Type: KindText, Text: v.Text}
	case Media:
		w = wire{Type: KindMedia, URL: v.URL, Caption: v.Caption, Sensitive: v.Sensitive}
	case MovementShare:
		w = wire{Type: KindMovementShare, Title: v.Title, URL: v.URL}
	default:
		w = wire{Type: KindText}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses a decrypted payload. Unknown types, malformed JSON and
// pre-union plaintext all decode to Text wrapping the raw string.
func Decode(raw string) Payload {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Text{Text: raw}
	}

	var w wire
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return Text{Text: raw}
	}

	switch w.Type {
	case KindText:
		return Text{Text: w.Text}
	case KindMedia:
		return Media{URL: w.URL, Caption: w.Caption, Sensitive: w.Sensitive}
	case KindMovementShare:
		return MovementShare{Title: w.Title, URL: w.URL}
	default:
		return Text{Text: raw}
	}
}

var sensitiveKeywords = []string{
	"nsfw",
	"graphic",
	"sensitive",
	"gore",
	"violence",
}

// InferSensitive is an advisory keyword/URL heuristic for flagging media
// behind a reveal gate. The explicit Sensitive flag always wins; this only
// upgrades an unflagged attachment.
func InferSensitive(caption, url string) bool {
	haystack := strings.ToLower(caption + " " + url)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// Preview renders the short plaintext summary shown on a conversation row.
func Preview(p Payload) string {
	switch v := p.(type) {
	case Text:
		return v.Text
	case Media:
		if v.Sensitive {
			return "[sensitive media]"
		}
		return "[media]"
	case MovementShare:
		return "[shared] " + v.Title
	default:
		return ""
	}
}
