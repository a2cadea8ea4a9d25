package dialog

import (
	"time"

	"github.com/libertycall/gateway/internal/intent"
)

// startHandoff begins (or refuses) the handoff confirmation. It is the only
// entry into the confirming state apart from the closing pitch.
func (m *Machine) startHandoff() {
	if !m.fx.HasOperatorRoute() {
		m.st.Meta["handoff_unavailable"] = "true"
		m.play([]string{tplHandoffNoRoute}, false)
		return
	}
	if m.st.HandoffState == HandoffDone {
		// The question was already answered this call. If the transfer is
		// pending, ask the caller to hold; otherwise carry on with the AI.
		if m.st.TransferRequested {
			m.play([]string{tplTransferB}, false)
		} else {
			m.play([]string{tplHandoffNoRoute}, false)
		}
		return
	}
	m.st.HandoffState = HandoffConfirming
	m.st.HandoffRetryCount = 0
	m.st.Phase = PhaseHandoffConfirmWait
	m.play([]string{tplHandoffAsk}, false)
}

// confirmStep consumes one caller reply while the 0604 question is open.
func (m *Machine) confirmStep(label intent.Label) {
	switch label {
	case intent.HandoffYes:
		m.confirmYes()
	case intent.HandoffNo:
		m.confirmNo()
	default:
		if m.st.HandoffRetryCount == 0 {
			m.st.HandoffRetryCount = 1
			m.play([]string{tplHandoffAsk}, false)
			return
		}
		// Second ambiguous reply fails safe towards the operator.
		m.st.Meta["reason_for_handoff"] = "confirm_fail_safe"
		m.confirmYes()
	}
}

func (m *Machine) confirmYes() {
	m.st.TransferRequested = true
	m.st.HandoffState = HandoffDone
	m.st.Phase = PhaseHandoffDone
	m.st.UnclearStreak = 0
	m.st.NotHeardStreak = 0
	m.st.LastIntent = string(intent.HandoffYes)
	m.log.Info("dialog: handoff confirmed, transfer requested")
	m.play([]string{tplTransferA, tplTransferB}, true)
}

func (m *Machine) confirmNo() {
	m.st.TransferRequested = false
	m.st.HandoffState = HandoffDone
	m.st.Phase = PhaseEnd
	m.st.UnclearStreak = 0
	m.st.NotHeardStreak = 0
	m.st.LastIntent = string(intent.HandoffNo)
	m.log.Info("dialog: handoff declined, closing out")
	m.play([]string{tplEndNoA, tplEndNoB}, false)
	m.fx.ScheduleHangup(60 * time.Second)
}
