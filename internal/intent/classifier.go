package intent

import "strings"

// Vocabulary for the handoff heuristic. Three independent patterns fire
// HANDOFF_REQUEST: noun∩verb, noun∩request-phrase, and bare handoff verbs.
var (
	handoffNouns = []string{
		"担当者", "担当", "オペレーター", "係の人", "係りの人", "営業の人", "スタッフ", "人間", "社員",
	}
	handoffVerbs = []string{
		"つないで", "かわって", "代わって", "変わって", "出して", "呼んで", "話したい", "お話したい",
	}
	handoffRequests = []string{
		"お願いします", "お願いできますか", "お願いしたい", "もらえますか", "いただけますか", "ほしい", "欲しい",
	}
	bareHandoffVerbs = []string{
		"つないでください", "つないでほしい", "かわってください", "代わってください",
	}
)

// Short replies recognised while the 0604 confirmation is pending.
var (
	confirmYes = []string{
		"はい", "ええ", "うん", "お願いします", "おねがいします", "お願い", "はいお願いします", "いいですよ", "どうぞ",
	}
	confirmNo = []string{
		"結構です", "けっこうです", "大丈夫", "大丈夫です", "いらない", "いらないです", "必要ない", "いいです",
		"今日は聞くだけ", "聞くだけ", "やめて", "不要です",
	}
)

var passiveMarkers = []string{
	"検討中", "まだ検討", "様子見", "様子を見", "考え中", "考えてる", "考えています", "とりあえず聞いてみた",
}

var systemTopics = []string{
	"システムについて", "システムの", "システムって", "仕組みについて", "仕組みを教えて",
}

// keywordRule is one entry of the ordered domain-keyword table.
type keywordRule struct {
	label Label
	words []string
}

// keywordRules is matched in order after the handoff and passive stages;
// the order encodes the fixed priority from the dialogue design.
var keywordRules = []keywordRule{
	{Inquiry, []string{"問い合わせ", "お問い合わせ", "メールで", "ホームページ", "資料", "資料請求"}},
	{Greeting, []string{"もしもし", "こんにちは", "こんばんは", "おはよう", "お世話になります", "お世話になっております"}},
	{SalesCall, []string{"営業の電話", "営業電話", "セールス", "勧誘"}},
	{Price, []string{"料金", "価格", "費用", "値段", "いくら", "初期費用", "月額", "最低利用"}},
	{SetupDifficulty, []string{"設定が難しい", "設定難しい", "導入が難しい", "使いこなせる"}},
	{Setup, []string{"設定", "導入", "セットアップ", "取り付け", "工事"}},
	{Function, []string{"機能", "できること", "何ができ", "なにができ"}},
	{Support, []string{"サポート", "問い合わせ先", "連絡先", "故障"}},
	{Reservation, []string{"予約"}},
	{MultiStore, []string{"他の店舗", "複数店舗", "別の店", "何店舗"}},
	{Busy, []string{"忙しい", "手が離せない", "今ちょっと"}},
	{CallbackRequest, []string{"かけ直して", "かけなおして", "折り返し", "後で電話"}},
	{EndCall, []string{"失礼します", "切ります", "もういい", "もう結構", "さようなら"}},
	{AIIdentity, []string{"ai", "ロボット", "機械", "自動音声", "人工知能"}},
	{AICallTopic, []string{"何の電話", "なんの電話", "どういった用件", "何の用"}},
	{Dialect, []string{"方言", "関西弁"}},
	{Interrupt, []string{"ちょっと待って", "待ってください"}},
}

// Classify maps a raw utterance to its intent label. It normalises text
// itself, so callers may pass raw ASR output. The predicate order is fixed;
// the first match wins.
func Classify(text string, ctx Context) Label {
	t := Normalize(text)
	if t == "" {
		return NotHeard
	}

	// 1. Noise test.
	if IsNoise(t) {
		return NotHeard
	}

	// 2. Confirmation context: short answers to the 0604 question.
	// Exact matches are checked across both vocabularies before the looser
	// containment pass so "いいですよ" (yes) is not eaten by "いいです" (no).
	if ctx.HandoffConfirming {
		if matchExact(t, confirmYes) {
			return HandoffYes
		}
		if matchExact(t, confirmNo) {
			return HandoffNo
		}
		if shortContains(t, confirmNo) {
			return HandoffNo
		}
		if shortContains(t, confirmYes) {
			return HandoffYes
		}
	}

	// 3. Explicit system topic takes precedence over the handoff heuristic,
	//    because "システムの担当者の話" is a system question, not a transfer.
	if containsAny(t, systemTopics) {
		return SystemInquiry
	}

	// 4. Handoff heuristic: three independent patterns.
	if containsAny(t, bareHandoffVerbs) {
		return HandoffRequest
	}
	if containsAny(t, handoffNouns) &&
		(containsAny(t, handoffVerbs) || containsAny(t, handoffRequests)) {
		return HandoffRequest
	}

	// 5. Low-intent markers.
	if containsAny(t, passiveMarkers) {
		return InquiryPassive
	}

	// 6. Domain keywords in fixed priority.
	for _, rule := range keywordRules {
		if containsAny(t, rule.words) {
			return rule.label
		}
	}

	return Unknown
}

// IsAffirmative reports whether text is a short positive answer. Exact
// matches win over containment, mirroring the confirmation stage of
// [Classify].
func IsAffirmative(text string) bool {
	t := Normalize(text)
	if matchExact(t, confirmYes) {
		return true
	}
	return !matchExact(t, confirmNo) && !shortContains(t, confirmNo) && shortContains(t, confirmYes)
}

// IsNegative reports whether text is a short refusal.
func IsNegative(text string) bool {
	t := Normalize(text)
	if matchExact(t, confirmYes) {
		return false
	}
	return matchExact(t, confirmNo) || shortContains(t, confirmNo)
}

func containsAny(t string, words []string) bool {
	for _, w := range words {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}

func matchExact(t string, vocab []string) bool {
	for _, w := range vocab {
		if t == w {
			return true
		}
	}
	return false
}

// shortContains accepts a containment match only when the whole utterance
// is short enough (≤ 12 runes) that the matched phrase plausibly is the
// answer rather than part of a longer sentence.
func shortContains(t string, vocab []string) bool {
	if len([]rune(t)) > 12 {
		return false
	}
	return containsAny(t, vocab)
}
