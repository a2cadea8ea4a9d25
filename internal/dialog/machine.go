package dialog

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/libertycall/gateway/internal/intent"
)

// Effects is everything the dialogue engine needs from its surroundings.
// The call session implements it on top of the playback coordinator and the
// timer manager.
type Effects interface {
	// Play queues templates for playback. transferAfter requests an
	// operator transfer once the last template has finished playing.
	Play(ids []string, transferAfter bool)
	// ScheduleHangup arms the call's auto-hangup timer, replacing any
	// previously armed one.
	ScheduleHangup(after time.Duration)
	// Backchannel fires a short non-blocking acknowledgement.
	Backchannel()
	// HasOperatorRoute reports whether a transfer destination is configured
	// for this call's client.
	HasOperatorRoute() bool
}

// Keywords that pull the conversation out of the generic flow.
var (
	entryTriggers = []string{
		"社長", "代表の方", "責任者の方", "店長", "いらっしゃいますか",
	}
	after085Negative = []string{
		"特にない", "特にありません", "ないです", "もうない", "大丈夫", "結構です", "以上です",
	}
)

// Machine drives one call's dialogue. It is not safe for concurrent use;
// the owning session serialises transcripts and timer callbacks into it.
type Machine struct {
	st  *State
	fx  Effects
	log *slog.Logger

	assist *intent.Assist

	partial         partialEntry
	lastProcessed   string
	lastBackchannel time.Time
	wantHandoff     bool

	now  func() time.Time
	pick func(n int) int
}

// Option configures a [Machine].
type Option func(*Machine)

// WithLogger sets the structured logger. A nil logger keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// WithAssist enables the LLM side path for choosing between alternative
// templates. The engine works identically without it.
func WithAssist(a *intent.Assist) Option {
	return func(m *Machine) { m.assist = a }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithRand overrides the random picker, for tests.
func WithRand(pick func(n int) int) Option {
	return func(m *Machine) { m.pick = pick }
}

// NewMachine creates the dialogue engine for one call.
func NewMachine(fx Effects, opts ...Option) *Machine {
	m := &Machine{
		st:   NewState(),
		fx:   fx,
		log:  slog.Default(),
		now:  time.Now,
		pick: rand.IntN,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State exposes the conversation state for session logging and the
// lifecycle manager. Callers must not mutate it concurrently with the
// machine's own callbacks.
func (m *Machine) State() *State { return m.st }

// BeginEntry moves the call out of INTRO once the greeting playback has
// completed.
func (m *Machine) BeginEntry() {
	if m.st.Phase == PhaseIntro || m.st.Phase == PhaseWaiting {
		m.st.Phase = PhaseEntry
	}
}

// OnTranscript is the entry point for recogniser results.
func (m *Machine) OnTranscript(ctx context.Context, text string, isFinal bool) {
	if m.st.Phase == PhaseEnd {
		return
	}
	if !isFinal {
		m.handlePartial(text)
		return
	}

	merged := strings.TrimSpace(text)
	if merged == "" {
		merged = m.freshPartial()
	}
	m.partial = partialEntry{}

	norm := intent.Normalize(merged)
	if norm == "" {
		// An empty final is treated like a silence timeout.
		m.OnSilenceTimeout()
		return
	}
	m.st.NoInputStreak = 0

	if norm == m.lastProcessed {
		m.log.Debug("dialog: duplicate transcript skipped", "text", norm)
		return
	}
	if len([]rune(norm)) < 2 {
		if !intent.AmbiguousVowels[norm] {
			return
		}
		m.lastProcessed = norm
		m.finish(intent.NotHeard, norm, m.st.Phase, []string{tplNotHeard})
		return
	}
	m.lastProcessed = norm

	label := intent.Classify(norm, intent.Context{
		HandoffConfirming: m.st.HandoffState == HandoffConfirming,
	})
	m.log.Info("dialog: transcript classified",
		"text", norm, "intent", string(label), "phase", string(m.st.Phase))

	if m.st.HandoffState == HandoffConfirming {
		m.confirmStep(label)
		return
	}

	if label == intent.HandoffRequest {
		m.st.HandoffPromptSent = true
		m.startHandoff()
		return
	}

	entryPhase := m.st.Phase
	sel := m.route(ctx, entryPhase, label, norm)
	if m.wantHandoff {
		// The misunderstanding guard decided this turn is a handoff.
		m.wantHandoff = false
		m.st.LastIntent = string(label)
		m.startHandoff()
		return
	}
	m.finish(label, norm, entryPhase, sel)
}

// route applies the per-phase flow and returns the selected templates.
// It may change m.st.Phase.
func (m *Machine) route(ctx context.Context, phase Phase, label intent.Label, text string) []string {
	switch phase {
	case PhaseIntro, PhaseWaiting:
		// Greeting playback is in flight; say nothing yet.
		return nil

	case PhaseEntry:
		if label == intent.Greeting {
			m.st.Phase = PhaseQA
			return []string{tplGreetingA, tplGreetingB}
		}
		if containsAnyKeyword(text, entryTriggers) {
			m.st.Phase = PhaseEntryConfirm
			return []string{tplEntryConfirm}
		}
		return m.routeQA(ctx, label, text)

	case PhaseEntryConfirm:
		if intent.IsAffirmative(text) {
			m.st.Phase = PhaseQA
			return []string{tplEntryYes}
		}
		if intent.IsNegative(text) {
			m.st.Phase = PhaseEnd
			return []string{tplEndNoB, tplEndB}
		}
		return m.routeQA(ctx, label, text)

	case PhaseClosing:
		if intent.IsAffirmative(text) {
			if m.st.HandoffState == HandoffIdle && m.fx.HasOperatorRoute() {
				m.st.Phase = PhaseHandoff
				m.st.HandoffState = HandoffConfirming
				m.st.HandoffRetryCount = 0
				return []string{"060", "061", "062", tplHandoffLead}
			}
			m.st.Phase = PhaseEnd
			return []string{"060", "061", "062"}
		}
		if intent.IsNegative(text) {
			m.st.Phase = PhaseEnd
			return []string{tplEndNoB, tplEndB}
		}
		return m.routeQA(ctx, label, text)

	case PhaseAfter085:
		if isAfter085Negative(text) {
			m.st.Phase = PhaseClosing
			return []string{tplClosingLead}
		}
		return m.routeQA(ctx, label, text)

	default: // QA, NOT_HEARD, HANDOFF_DONE
		return m.routeQA(ctx, label, text)
	}
}

func (m *Machine) routeQA(ctx context.Context, label intent.Label, text string) []string {
	switch label {
	case intent.InquiryPassive:
		return []string{m.pickPassive(ctx, text)}
	case intent.SalesCall:
		if m.st.LastIntent == string(intent.SalesCall) {
			m.st.Phase = PhaseEnd
			return []string{tplEndNoB, tplEndB}
		}
		return selectTemplates(label, text)
	case intent.EndCall:
		m.st.Phase = PhaseEnd
		return selectTemplates(label, text)
	case intent.Unknown, intent.NotHeard:
		// Misunderstanding guard. The first UNKNOWN of a call offers a
		// handoff outright; from then on the unclear streak, counting this
		// would-be unclear turn, trips the automatic rewrite.
		if label == intent.Unknown && !m.st.HandoffPromptSent &&
			m.st.HandoffState == HandoffIdle && m.fx.HasOperatorRoute() {
			m.st.HandoffPromptSent = true
			m.wantHandoff = true
			return nil
		}
		// The automatic rewrite fires only while handoff was never offered.
		// Once the sub-machine has run, re-offering would replay the prompt
		// and violate the rule that a completed or declined handoff is
		// final, so later unclear turns fall back to the reprompt.
		if m.st.UnclearStreak+1 >= 2 && m.st.HandoffState == HandoffIdle && m.fx.HasOperatorRoute() {
			m.st.Meta["reason_for_handoff"] = "auto_unclear"
			m.st.Meta["unclear_streak_at_trigger"] = strconv.Itoa(m.st.UnclearStreak + 1)
			m.wantHandoff = true
			return nil
		}
		return []string{tplNotHeard}
	default:
		return selectTemplates(label, text)
	}
}

// pickPassive chooses one of the two low-intent nudges, letting the LLM
// side path break the tie when it is configured.
func (m *Machine) pickPassive(ctx context.Context, text string) string {
	candidates := []string{tplPassiveA, tplPassiveB}
	if m.assist != nil {
		return m.assist.Rerank(ctx, text, intent.InquiryPassive, candidates)[0]
	}
	return candidates[m.pick(len(candidates))]
}

// finish applies the post-selection rewrites, the streak accounting, and
// hands the result to the playback effects.
func (m *Machine) finish(label intent.Label, text string, entryPhase Phase, sel []string) {
	hangupScheduled := false

	// Once the handoff question has been answered it is never asked again.
	if m.st.HandoffState == HandoffDone {
		sel = removeTemplates(sel, tplHandoffAsk, tplHandoffLead)
	}
	if containsTemplate(sel, tplHandoffAsk) && containsTemplate(sel, tplHandoffLead) {
		sel = removeTemplates(sel, tplHandoffLead)
	}

	if hasAnswerTemplate(sel) && !label.IsHandoff() && label != intent.EndCall {
		if entryPhase != PhaseAfter085 {
			sel = append(sel, tplAnythingElse)
		}
		m.st.Phase = PhaseAfter085
	}

	// Not-heard escalation: the second consecutive 110 becomes a handoff
	// offer, provided the question is still askable.
	if isOnly(sel, tplNotHeard) && m.st.Phase != PhaseEnd {
		m.st.NotHeardStreak++
		if m.st.NotHeardStreak >= 2 &&
			m.st.HandoffState == HandoffIdle && m.fx.HasOperatorRoute() {
			m.st.NotHeardStreak = 0
			m.st.LastIntent = string(label)
			m.startHandoff()
			return
		}
	}

	switch {
	case isOnly(sel, tplNotHeard):
		m.st.UnclearStreak++
	case hasAnswerTemplate(sel):
		m.st.UnclearStreak = 0
	}

	if containsTemplate(sel, tplEndNoA) && containsTemplate(sel, tplEndNoB) {
		m.fx.ScheduleHangup(60 * time.Second)
		hangupScheduled = true
	}

	m.st.LastIntent = string(label)
	m.play(sel, false)

	if m.st.Phase == PhaseEnd && !hangupScheduled && !m.st.TransferRequested {
		m.fx.ScheduleHangup(60 * time.Second)
	}
}

// OnSilenceTimeout advances the no-input ladder. The third rung plays the
// goodbye marked auto_hangup; the playback coordinator schedules the kill
// two seconds after it finishes.
func (m *Machine) OnSilenceTimeout() {
	if m.st.Phase == PhaseEnd {
		return
	}
	m.st.NoInputStreak++
	switch m.st.NoInputStreak {
	case 1:
		m.play([]string{tplNotHeard}, false)
	case 2:
		m.play([]string{tplNotHeard2}, false)
	default:
		m.play([]string{tplNotHeardFinal}, false)
	}
}

func (m *Machine) handlePartial(text string) {
	norm := intent.Normalize(text)
	if norm == "" {
		return
	}
	m.st.NoInputStreak = 0
	m.partial = partialEntry{Text: text, Updated: m.now()}
	if intent.IsBackchannel(norm) && m.now().Sub(m.lastBackchannel) >= 2*time.Second {
		m.lastBackchannel = m.now()
		m.fx.Backchannel()
	}
}

// freshPartial returns the buffered partial unless it has expired.
func (m *Machine) freshPartial() string {
	if m.partial.Text == "" || m.partial.Processed {
		return ""
	}
	if m.now().Sub(m.partial.Updated) > partialMaxAge {
		return ""
	}
	return m.partial.Text
}

func (m *Machine) play(ids []string, transferAfter bool) {
	if len(ids) == 0 && !transferAfter {
		return
	}
	m.st.LastAITemplates = ids
	m.fx.Play(ids, transferAfter)
}

func isOnly(sel []string, id string) bool {
	return len(sel) == 1 && sel[0] == id
}

func hasAnswerTemplate(sel []string) bool {
	for _, id := range sel {
		if answerSet[id] {
			return true
		}
	}
	return false
}

func containsAnyKeyword(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// isAfter085Negative recognises "no, nothing else" replies to the 085
// prompt. The bare "ない" only counts as an exact answer so longer
// sentences ("わからない") do not end the call.
func isAfter085Negative(text string) bool {
	if text == "ない" {
		return true
	}
	if len([]rune(text)) > 12 {
		return false
	}
	return containsAnyKeyword(text, after085Negative)
}
