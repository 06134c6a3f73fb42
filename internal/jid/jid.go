// Package jid normalizes loosely formatted phone numbers and chat
// identifiers into canonical WhatsApp JIDs.
package jid

import (
	"strings"
	"unicode"

	"go.mau.fi/whatsmeow/types"
)

const (
	userSuffix  = "@" + types.DefaultUserServer
	groupSuffix = "@" + types.GroupServer
)

// Normalize maps a raw identifier to its canonical addressable form.
// Whitespace and hyphens are stripped; anything already carrying a server
// suffix (or any '@' at all) passes through unchanged; bare numbers get
// the personal-chat suffix appended. Best-effort on malformed input.
func Normalize(raw string) string {
	s := strip(raw)
	if strings.HasSuffix(s, userSuffix) || strings.HasSuffix(s, groupSuffix) {
		return s
	}
	if strings.Contains(s, "@") {
		return s
	}
	return s + userSuffix
}

// Parse normalizes raw and parses it into a types.JID. Identifiers the
// stock parser rejects (notably @lid addresses) fall back to a manual
// user/server split.
func Parse(raw string) (types.JID, error) {
	s := Normalize(raw)
	j, err := types.ParseJID(s)
	if err == nil {
		return j, nil
	}
	if user, server, ok := strings.Cut(s, "@"); ok {
		return types.JID{User: user, Server: server}, nil
	}
	return types.JID{}, err
}

// Digits returns only the decimal digits of s, the form WhatsApp expects
// for waid parameters and number lookups.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func strip(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
