// Package dialog implements the per-call dialogue engine: the phase state
// machine, template selection, the handoff confirmation sub-machine, and the
// misunderstanding guard.
//
// A [Machine] is owned by exactly one call session; the session serialises
// all calls into it (transcripts, timer callbacks, teardown), so the machine
// itself holds no locks.
package dialog

import "time"

// Phase is the top-level dialogue phase of a call.
type Phase string

const (
	PhaseIntro              Phase = "INTRO"
	PhaseEntry              Phase = "ENTRY"
	PhaseEntryConfirm       Phase = "ENTRY_CONFIRM"
	PhaseWaiting            Phase = "WAITING"
	PhaseNotHeard           Phase = "NOT_HEARD"
	PhaseQA                 Phase = "QA"
	PhaseAfter085           Phase = "AFTER_085"
	PhaseClosing            Phase = "CLOSING"
	PhaseHandoff            Phase = "HANDOFF"
	PhaseHandoffConfirmWait Phase = "HANDOFF_CONFIRM_WAIT"
	PhaseHandoffDone        Phase = "HANDOFF_DONE"
	PhaseEnd                Phase = "END"
)

// HandoffState tracks the handoff confirmation sub-machine.
type HandoffState string

const (
	HandoffIdle       HandoffState = "idle"
	HandoffConfirming HandoffState = "confirming"
	HandoffDone       HandoffState = "done"
)

// State is the mutable conversation state of one call. All mutation happens
// through the owning [Machine].
type State struct {
	Phase      Phase
	LastIntent string

	HandoffState      HandoffState
	HandoffRetryCount int
	HandoffPromptSent bool

	// TransferRequested records that the engine wants the call handed to an
	// operator. TransferExecuted is a one-way latch set by the lifecycle
	// manager once the transfer command has actually been issued.
	TransferRequested bool
	TransferExecuted  bool

	UnclearStreak  int
	NotHeardStreak int
	NoInputStreak  int

	LastAITemplates []string

	// Meta carries free-form breadcrumbs such as client_id and
	// reason_for_handoff.
	Meta map[string]string
}

// NewState returns the initial conversation state for a fresh call.
func NewState() *State {
	return &State{
		Phase:        PhaseIntro,
		HandoffState: HandoffIdle,
		Meta:         make(map[string]string),
	}
}

// partialEntry is the per-call partial transcript buffer. The recogniser
// overwrites it non-cumulatively; entries untouched for partialMaxAge are
// treated as expired.
type partialEntry struct {
	Text      string
	Updated   time.Time
	Processed bool
}

const partialMaxAge = 30 * time.Second
