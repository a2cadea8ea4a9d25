package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// asrVariants maps frequent recogniser mis-hearings to their intended form.
// Applied after NFKC folding so full-width variants are already collapsed.
var asrVariants = [...][2]string{
	{"詰めて", "つないで"},
	{"繋いで", "つないで"},
	{"繋いて", "つないで"},
	{"代わりまして", "かわって"},
	{"オペレータ", "オペレーター"},
}

// Normalize folds text into the canonical form every classifier predicate
// matches against: NFKC compatibility normalisation, lowercase, all
// whitespace stripped, then ASR-variant substitution.
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ToLower(text)
	text = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	for _, v := range asrVariants {
		text = strings.ReplaceAll(text, v[0], v[1])
	}
	return text
}

// fillerMarkers are hallucination patterns the recogniser emits on breath
// noise and hold music. Any occurrence marks the whole utterance unusable.
var fillerMarkers = []string{
	"ご視聴ありがとうございました",
	"チャンネル登録",
	"(音楽)",
	"♪",
}

// punctRunes counted by the noise test.
const punctRunes = "…。、.,"

// IsNoise reports whether normalised text is recogniser noise rather than
// speech: it contains a filler marker, or three or more punctuation marks
// from the designated set.
func IsNoise(text string) bool {
	for _, m := range fillerMarkers {
		if strings.Contains(text, strings.ToLower(m)) {
			return true
		}
	}
	count := 0
	for _, r := range text {
		if strings.ContainsRune(punctRunes, r) {
			count++
			if count >= 3 {
				return true
			}
		}
	}
	return false
}

// AmbiguousVowels are the single-character utterances treated as "didn't
// catch that" instead of being dropped by the minimum-length rule.
var AmbiguousVowels = map[string]bool{
	"あ": true, "ん": true, "え": true, "お": true, "う": true, "い": true,
}

// Backchannels are the short interjections that may trigger an immediate
// acknowledgement while a partial result is still open.
var Backchannels = map[string]bool{
	"はい": true, "ええ": true, "うん": true, "えっと": true, "あの": true, "はいはい": true,
}

// IsBackchannel reports whether a 1–6 rune partial is a backchannel trigger.
func IsBackchannel(text string) bool {
	n := len([]rune(text))
	if n < 1 || n > 6 {
		return false
	}
	return Backchannels[text]
}
