package intent

import "testing"

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"もしもし",
		"  担当者　お願いします  ",
		"ＡＩですか？",
		"詰めてください",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}

func TestNormalizeFoldsWidthAndVariants(t *testing.T) {
	t.Parallel()

	if got := Normalize("ＡＩ"); got != "ai" {
		t.Errorf("full-width AI → %q, want ai", got)
	}
	if got := Normalize("詰めてください"); got != "つないでください" {
		t.Errorf("ASR variant not substituted: %q", got)
	}
	if got := Normalize("担当者 に 繋いで"); got != "担当者につないで" {
		t.Errorf("got %q", got)
	}
}

func TestClassifyOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		ctx  Context
		want Label
	}{
		{"greeting", "もしもし", Context{}, Greeting},
		{"noise punctuation", "。。。", Context{}, NotHeard},
		{"noise filler", "ご視聴ありがとうございました", Context{}, NotHeard},
		{"empty", "   ", Context{}, NotHeard},

		// Handoff heuristic: noun+verb, noun+request, bare verb.
		{"handoff noun verb", "担当者につないでください", Context{}, HandoffRequest},
		{"handoff variant verb", "担当の方に詰めてください", Context{}, HandoffRequest},
		{"handoff noun request", "オペレーターをお願いします", Context{}, HandoffRequest},
		{"handoff bare verb", "つないでください", Context{}, HandoffRequest},
		{"noun alone is not handoff", "担当者は今いません", Context{}, Unknown},

		// System topic beats handoff.
		{"system over handoff", "システムについて担当者に聞きたい", Context{}, SystemInquiry},

		// Confirmation context.
		{"confirm yes", "はい", Context{HandoffConfirming: true}, HandoffYes},
		{"confirm yes polite", "お願いします", Context{HandoffConfirming: true}, HandoffYes},
		{"confirm no", "結構です", Context{HandoffConfirming: true}, HandoffNo},
		{"confirm no listening only", "今日は聞くだけ", Context{HandoffConfirming: true}, HandoffNo},
		{"yes outside confirmation is greeting-ish", "はい", Context{}, Unknown},

		// Low intent.
		{"passive", "ちょっと検討中なんですけど", Context{}, InquiryPassive},
		{"passive wait and see", "様子見です", Context{}, InquiryPassive},

		// Domain keywords.
		{"price", "料金はいくらですか", Context{}, Price},
		{"price initial fee", "初期費用はかかりますか", Context{}, Price},
		{"setup", "導入は大変ですか", Context{}, Setup},
		{"setup difficulty", "設定が難しいのでは", Context{}, SetupDifficulty},
		{"function", "どんな機能がありますか", Context{}, Function},
		{"multi store", "他の店舗でも使えますか", Context{}, MultiStore},
		{"sales", "営業の電話は断ってます", Context{}, SalesCall},
		{"end call", "もういいです失礼します", Context{}, EndCall},
		{"ai identity", "AIですか", Context{}, AIIdentity},
		{"callback", "折り返しお願いできますか", Context{}, CallbackRequest},

		{"unknown", "不明な発話", Context{}, Unknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tc.text, tc.ctx); got != tc.want {
				t.Errorf("Classify(%q, %+v) = %s, want %s", tc.text, tc.ctx, got, tc.want)
			}
		})
	}
}

func TestClassifyNormalizeIdempotence(t *testing.T) {
	t.Parallel()

	// classify(normalize(x)) == classify(normalize(normalize(x)))
	for _, text := range []string{"担当者お願いします", "料金を教えて", "もしもし"} {
		a := Classify(Normalize(text), Context{})
		b := Classify(Normalize(Normalize(text)), Context{})
		if a != b {
			t.Errorf("%q: %s vs %s", text, a, b)
		}
	}
}

func TestIsBackchannel(t *testing.T) {
	t.Parallel()

	if !IsBackchannel("はい") {
		t.Error("はい should be a backchannel")
	}
	if !IsBackchannel("えっと") {
		t.Error("えっと should be a backchannel")
	}
	if IsBackchannel("はいわかりましたそれで") {
		t.Error("long text must not be a backchannel")
	}
	if IsBackchannel("料金") {
		t.Error("non-backchannel word matched")
	}
}
