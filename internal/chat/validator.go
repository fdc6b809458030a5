package chat

import (
	"strings"
	"unicode/utf8"
)

// Field caps, in characters. Longer input is truncated, never rejected.
const (
	MaxNicknameChars     = 30
	MaxCampusChars       = 60
	MaxTextChars         = 500
	MaxReasonChars       = 500
	MaxAnnouncementChars = 1000
	MaxSuggestionChars   = 1000
	MaxSourceChars       = 50
	MaxEmojiChars        = 10
)

// Defaults substituted for missing join fields.
const (
	DefaultNickname = "Anonymous"
	DefaultCampus   = "Unknown"
)

// Clamp truncates s to at most n characters. Invalid UTF-8 bytes are
// replaced so the result is always valid.
func Clamp(s string, n int) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// ClampOr clamps s, substituting def when s is empty.
func ClampOr(s, def string, n int) string {
	if s == "" {
		s = def
	}
	return Clamp(s, n)
}

// Nickname normalizes a join nickname: clamp, trim, default.
func Nickname(s string) string {
	if n := strings.TrimSpace(ClampOr(s, DefaultNickname, MaxNicknameChars)); n != "" {
		return n
	}
	return DefaultNickname
}

// Campus normalizes a join campus tag.
func Campus(s string) string {
	return ClampOr(s, DefaultCampus, MaxCampusChars)
}
