package dialog

import (
	"context"
	"reflect"
	"testing"
	"time"
)

// fakeEffects records everything the machine asks of its surroundings.
type fakeEffects struct {
	plays         [][]string
	transferAfter []bool
	hangups       []time.Duration
	backchannels  int
	noRoute       bool
}

func (f *fakeEffects) Play(ids []string, transfer bool) {
	f.plays = append(f.plays, ids)
	f.transferAfter = append(f.transferAfter, transfer)
}
func (f *fakeEffects) ScheduleHangup(d time.Duration) { f.hangups = append(f.hangups, d) }
func (f *fakeEffects) Backchannel()                   { f.backchannels++ }
func (f *fakeEffects) HasOperatorRoute() bool         { return !f.noRoute }

func (f *fakeEffects) lastPlay(t *testing.T) []string {
	t.Helper()
	if len(f.plays) == 0 {
		t.Fatal("no playback issued")
	}
	return f.plays[len(f.plays)-1]
}

func newTestMachine(fx *fakeEffects) *Machine {
	m := NewMachine(fx, WithRand(func(int) int { return 0 }))
	m.BeginEntry()
	return m
}

func final(m *Machine, text string) {
	m.OnTranscript(context.Background(), text, true)
}

func TestGreetingThenPassive(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)

	final(m, "もしもし")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"004", "005"}) {
		t.Fatalf("greeting reply = %v", got)
	}
	if m.State().Phase != PhaseQA {
		t.Fatalf("phase = %s, want QA", m.State().Phase)
	}

	final(m, "ちょっと検討中なんですけど")
	got := fx.lastPlay(t)
	if len(got) != 1 || (got[0] != "089" && got[0] != "090") {
		t.Fatalf("passive reply = %v", got)
	}
	if m.State().Phase != PhaseQA {
		t.Fatalf("passive must stay in QA, got %s", m.State().Phase)
	}
}

func TestHandoffYesRequestsTransfer(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	final(m, "担当者お願いします")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"0604"}) {
		t.Fatalf("handoff ask = %v", got)
	}
	if m.State().HandoffState != HandoffConfirming {
		t.Fatal("expected confirming state")
	}

	final(m, "はい")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"081", "082"}) {
		t.Fatalf("transfer templates = %v", got)
	}
	if !fx.transferAfter[len(fx.transferAfter)-1] {
		t.Fatal("transfer must be requested after playback")
	}
	st := m.State()
	if !st.TransferRequested || st.HandoffState != HandoffDone || st.Phase != PhaseHandoffDone {
		t.Fatalf("state after yes: %+v", st)
	}
	if st.UnclearStreak != 0 || st.NotHeardStreak != 0 {
		t.Fatal("streaks must reset when handoff resolves")
	}
}

func TestHandoffNoClosesWithDelayedHangup(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	final(m, "担当者お願いします")
	final(m, "結構です")

	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"086", "087"}) {
		t.Fatalf("decline templates = %v", got)
	}
	st := m.State()
	if st.TransferRequested || st.Phase != PhaseEnd || st.HandoffState != HandoffDone {
		t.Fatalf("state after no: %+v", st)
	}
	if len(fx.hangups) != 1 || fx.hangups[0] != 60*time.Second {
		t.Fatalf("hangups = %v, want one at 60s", fx.hangups)
	}

	// END emits nothing further.
	n := len(fx.plays)
	final(m, "料金はいくらですか")
	if len(fx.plays) != n {
		t.Fatal("machine replied after END")
	}
}

func TestAutoHandoffAfterTwoUnclearTurns(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA
	m.State().HandoffPromptSent = true // disable the first-unknown offer

	final(m, "よくわからない発話")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"110"}) {
		t.Fatalf("first unclear = %v", got)
	}
	if m.State().UnclearStreak != 1 {
		t.Fatalf("unclear streak = %d", m.State().UnclearStreak)
	}

	final(m, "聞き取れない発話")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"0604"}) {
		t.Fatalf("guard reply = %v", got)
	}
	st := m.State()
	if st.HandoffState != HandoffConfirming {
		t.Fatal("guard must enter confirming")
	}
	if st.Meta["reason_for_handoff"] != "auto_unclear" {
		t.Fatalf("reason = %q", st.Meta["reason_for_handoff"])
	}
	if st.Meta["unclear_streak_at_trigger"] != "2" {
		t.Fatalf("streak at trigger = %q", st.Meta["unclear_streak_at_trigger"])
	}
}

func TestFirstUnknownOffersHandoffOnce(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	final(m, "よくわからない発話")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"0604"}) {
		t.Fatalf("first unknown = %v, want handoff offer", got)
	}
	if !m.State().HandoffPromptSent {
		t.Fatal("prompt-sent flag must latch")
	}
}

func TestNoOperatorRouteRepliesNoRoute(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{noRoute: true}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	final(m, "担当者につないでください")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"0605"}) {
		t.Fatalf("no-route reply = %v", got)
	}
	st := m.State()
	if st.HandoffState != HandoffIdle {
		t.Fatal("must not enter confirming without a route")
	}
	if st.Meta["handoff_unavailable"] != "true" {
		t.Fatal("handoff_unavailable meta not set")
	}
}

func TestConfirmAmbiguousRetryThenFailSafe(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	final(m, "担当者お願いします")
	final(m, "えーとそうですねどうしようかな")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"0604"}) {
		t.Fatalf("retry ask = %v", got)
	}
	if m.State().HandoffRetryCount != 1 {
		t.Fatalf("retry count = %d", m.State().HandoffRetryCount)
	}

	final(m, "うーんどうでしょうかねえ")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"081", "082"}) {
		t.Fatalf("fail-safe reply = %v", got)
	}
	if !m.State().TransferRequested {
		t.Fatal("fail safe must request the transfer")
	}
}

func TestHandoffDoneNeverReasks(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	final(m, "担当者お願いします")
	final(m, "はい") // handoff done, transfer requested

	final(m, "他の店舗でも使えますか")
	got := fx.lastPlay(t)
	if !reflect.DeepEqual(got, []string{"069", "085"}) {
		t.Fatalf("QA answer after handoff = %v", got)
	}

	// Asking again must not reopen the question.
	final(m, "やっぱり担当者につないでください")
	for _, play := range fx.plays[2:] {
		for _, id := range play {
			if id == "0604" || id == "104" {
				t.Fatalf("template %s selected after handoff done (plays: %v)", id, fx.plays)
			}
		}
	}
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"082"}) {
		t.Fatalf("re-request while transfer pending = %v, want hold message", got)
	}
}

func TestAnswerAppends085AndClosingFlow(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	final(m, "初期費用はかかりますか")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"042", "085"}) {
		t.Fatalf("price answer = %v", got)
	}
	if m.State().Phase != PhaseAfter085 {
		t.Fatalf("phase = %s, want AFTER_085", m.State().Phase)
	}

	// A second answer from AFTER_085 does not re-append 085.
	final(m, "どんな機能がありますか")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"030"}) {
		t.Fatalf("second answer = %v", got)
	}

	final(m, "特にありません")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"013"}) {
		t.Fatalf("closing lead = %v", got)
	}
	if m.State().Phase != PhaseClosing {
		t.Fatalf("phase = %s, want CLOSING", m.State().Phase)
	}

	final(m, "お願いします")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"060", "061", "062", "104"}) {
		t.Fatalf("closing yes = %v", got)
	}
	if m.State().HandoffState != HandoffConfirming {
		t.Fatal("closing yes must open the handoff confirmation")
	}
}

func TestEntryConfirmFlow(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)

	final(m, "社長はいらっしゃいますか")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"006"}) {
		t.Fatalf("entry trigger reply = %v", got)
	}
	if m.State().Phase != PhaseEntryConfirm {
		t.Fatalf("phase = %s", m.State().Phase)
	}

	final(m, "はい")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"010"}) {
		t.Fatalf("entry confirm yes = %v", got)
	}
	if m.State().Phase != PhaseQA {
		t.Fatalf("phase = %s, want QA", m.State().Phase)
	}
}

func TestNoInputLadder(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	m.OnSilenceTimeout()
	m.OnSilenceTimeout()
	m.OnSilenceTimeout()
	want := [][]string{{"110"}, {"111"}, {"112"}}
	if !reflect.DeepEqual(fx.plays, want) {
		t.Fatalf("ladder = %v, want %v", fx.plays, want)
	}

	// Speech resets the ladder.
	final(m, "料金はいくらですか")
	m.OnSilenceTimeout()
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"110"}) {
		t.Fatalf("ladder after speech = %v, want reset to 110", got)
	}
}

func TestEmptyFinalDrivesLadder(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	final(m, "")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"110"}) {
		t.Fatalf("empty final = %v", got)
	}
	if m.State().NoInputStreak != 1 {
		t.Fatalf("no-input streak = %d", m.State().NoInputStreak)
	}
}

func TestShortAndDuplicateFinals(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	// Single ambiguous vowel is treated as not-heard.
	final(m, "え")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"110"}) {
		t.Fatalf("ambiguous vowel = %v", got)
	}

	// Other single characters are dropped.
	n := len(fx.plays)
	final(m, "た")
	if len(fx.plays) != n {
		t.Fatal("single non-vowel char must be dropped")
	}

	// Identical consecutive finals are processed once.
	final(m, "料金はいくらですか")
	n = len(fx.plays)
	final(m, "料金はいくらですか")
	if len(fx.plays) != n {
		t.Fatal("duplicate final must be skipped")
	}
}

func TestBackchannelDebounce(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	now := time.Unix(1000, 0)
	m := NewMachine(fx, WithClock(func() time.Time { return now }))
	m.BeginEntry()
	m.State().Phase = PhaseQA

	m.OnTranscript(context.Background(), "はい", false)
	if fx.backchannels != 1 {
		t.Fatalf("backchannels = %d, want 1", fx.backchannels)
	}

	now = now.Add(500 * time.Millisecond)
	m.OnTranscript(context.Background(), "ええ", false)
	if fx.backchannels != 1 {
		t.Fatal("backchannel fired inside the 2s debounce window")
	}

	now = now.Add(3 * time.Second)
	m.OnTranscript(context.Background(), "はい", false)
	if fx.backchannels != 2 {
		t.Fatalf("backchannels = %d, want 2 after debounce", fx.backchannels)
	}
}

func TestPartialMergedIntoEmptyFinal(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	m.OnTranscript(context.Background(), "料金はいくらですか", false)
	final(m, "")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"040", "085"}) {
		t.Fatalf("merged partial = %v", got)
	}
}

func TestExpiredPartialNotMerged(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	now := time.Unix(1000, 0)
	m := NewMachine(fx, WithClock(func() time.Time { return now }))
	m.BeginEntry()
	m.State().Phase = PhaseQA

	m.OnTranscript(context.Background(), "料金はいくらですか", false)
	now = now.Add(partialMaxAge + time.Second)
	final(m, "")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"110"}) {
		t.Fatalf("expired partial should fall to the ladder, got %v", got)
	}
}

func TestNotHeardEscalationTo0604(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA
	m.State().HandoffPromptSent = true

	final(m, "。。。あー。。。")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"110"}) {
		t.Fatalf("first noise = %v", got)
	}
	// Second noise turn: the unclear-streak guard converts it into the
	// handoff offer before the not-heard counter gets a chance.
	final(m, "、、、んー、、、")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"0604"}) {
		t.Fatalf("second noise = %v", got)
	}
}

func TestRepeatedSalesCallEndsCall(t *testing.T) {
	t.Parallel()
	fx := &fakeEffects{}
	m := newTestMachine(fx)
	m.State().Phase = PhaseQA

	final(m, "営業の電話です")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"095", "085"}) {
		t.Fatalf("first sales reply = %v", got)
	}

	final(m, "いえ営業電話なのですが")
	if got := fx.lastPlay(t); !reflect.DeepEqual(got, []string{"087", "088"}) {
		t.Fatalf("second sales reply = %v", got)
	}
	if m.State().Phase != PhaseEnd {
		t.Fatalf("phase = %s, want END", m.State().Phase)
	}
	if len(fx.hangups) == 0 {
		t.Fatal("END must schedule a hangup")
	}
}
