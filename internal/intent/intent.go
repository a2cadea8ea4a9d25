// Package intent classifies caller utterances into a closed label set.
//
// The classifier is a pure function over normalised text: an ordered list of
// predicates where the first match wins. A context flag switches the
// semantics of short replies while the handoff confirmation question is
// pending. An optional LLM side path (see [Assist]) may rerank template ids
// downstream but never bypasses the rule order.
package intent

// Label is a classified caller intent.
type Label string

// The closed intent set. UNKNOWN is the explicit fallthrough, not an error.
const (
	Unknown         Label = "UNKNOWN"
	NotHeard        Label = "NOT_HEARD"
	Greeting        Label = "GREETING"
	Inquiry         Label = "INQUIRY"
	InquiryPassive  Label = "INQUIRY_PASSIVE"
	SystemInquiry   Label = "SYSTEM_INQUIRY"
	SystemExplain   Label = "SYSTEM_EXPLAIN"
	AIIdentity      Label = "AI_IDENTITY"
	AICallTopic     Label = "AI_CALL_TOPIC"
	Price           Label = "PRICE"
	Setup           Label = "SETUP"
	SetupDifficulty Label = "SETUP_DIFFICULTY"
	Function        Label = "FUNCTION"
	Support         Label = "SUPPORT"
	Reservation     Label = "RESERVATION"
	MultiStore      Label = "MULTI_STORE"
	Dialect         Label = "DIALECT"
	Interrupt       Label = "INTERRUPT"
	Busy            Label = "BUSY"
	CallbackRequest Label = "CALLBACK_REQUEST"
	SalesCall       Label = "SALES_CALL"
	HandoffRequest  Label = "HANDOFF_REQUEST"
	HandoffYes      Label = "HANDOFF_YES"
	HandoffNo       Label = "HANDOFF_NO"
	EndCall         Label = "END_CALL"
)

// IsHandoff reports whether l belongs to the handoff family. The
// misunderstanding guard never rewrites these.
func (l Label) IsHandoff() bool {
	switch l {
	case HandoffRequest, HandoffYes, HandoffNo:
		return true
	}
	return false
}

// Context carries classification context from the dialogue engine.
type Context struct {
	// HandoffConfirming is true while the "shall I connect you?" question
	// (template 0604) is awaiting an answer. Short affirmations and
	// refusals then map to HANDOFF_YES / HANDOFF_NO instead of their
	// ordinary meanings.
	HandoffConfirming bool
}
