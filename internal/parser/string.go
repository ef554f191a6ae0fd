// ABOUTME: Builtin string parser with length limits, kana normalization and regex checks
// ABOUTME: Kana input is width-folded and converted between hiragana and katakana

package parser

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// String accepts non-empty strings.
//
// Policy keys: "min" and "max" (inclusive length in characters), "character"
// ("katakana" or "hiragana"; "charactor" is accepted as an alias) and "regex".
type String struct{}

func (String) Type() string { return "string" }

func (String) Parse(_ context.Context, param Param, policy Policy) (any, error) {
	s, ok := param.Value.(string)
	if !ok {
		return nil, Reject(ReasonShouldBeString)
	}
	if s == "" {
		return nil, Reject(ReasonValueIsEmpty)
	}

	length := float64(utf8.RuneCountInString(s))
	if lo, ok := policy.Float("min"); ok && length < lo {
		return nil, Reject(ReasonViolatesMin)
	}
	if hi, ok := policy.Float("max"); ok && length > hi {
		return nil, Reject(ReasonViolatesMax)
	}

	parsed := s
	character, ok := policy.String("character")
	if !ok {
		character, ok = policy.String("charactor")
	}
	if ok {
		switch character {
		case "katakana":
			parsed = ToKatakana(s)
			if !IsKatakana(parsed) {
				return nil, Reject(ReasonShouldBeKatakana)
			}
		case "hiragana":
			parsed = ToHiragana(s)
			if !IsHiragana(parsed) {
				return nil, Reject(ReasonShouldBeHiragana)
			}
		}
	}

	if pattern, ok := policy.String("regex"); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling regex policy for %s: %w", param.Key, err)
		}
		if !re.MatchString(s) {
			return nil, Reject(ReasonShouldFollowRegex)
		}
	}

	return parsed, nil
}

const (
	hiraganaStart = 0x3041
	hiraganaEnd   = 0x3096
	katakanaStart = 0x30A1
	katakanaEnd   = 0x30F6
	kanaOffset    = katakanaStart - hiraganaStart
	prolongedMark = 'ー'
)

// foldKana maps half-width katakana to full width and composes voiced marks.
func foldKana(s string) string {
	return norm.NFC.String(width.Fold.String(s))
}

// ToKatakana converts hiragana and half-width katakana to full-width katakana.
func ToKatakana(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= hiraganaStart && r <= hiraganaEnd {
			return r + kanaOffset
		}
		return r
	}, foldKana(s))
}

// ToHiragana converts katakana, including half-width, to hiragana.
func ToHiragana(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= katakanaStart && r <= katakanaEnd {
			return r - kanaOffset
		}
		return r
	}, foldKana(s))
}

// IsKatakana reports whether s is non-empty and entirely katakana.
func IsKatakana(s string) bool {
	return s != "" && strings.IndexFunc(s, func(r rune) bool {
		return r < 0x30A0 || r > 0x30FF
	}) < 0
}

// IsHiragana reports whether s is non-empty and entirely hiragana.
func IsHiragana(s string) bool {
	return s != "" && strings.IndexFunc(s, func(r rune) bool {
		return (r < 0x3040 || r > 0x309F) && r != prolongedMark
	}) < 0
}
