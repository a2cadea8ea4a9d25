package dialog

import (
	"strings"

	"github.com/libertycall/gateway/internal/intent"
)

// Template ids with fixed roles in the engine. Everything else is data that
// lives in the template registry.
const (
	tplGreetingA      = "004"
	tplGreetingB      = "005"
	tplEntryConfirm   = "006"
	tplEntryYes       = "010"
	tplClosingLead    = "013"
	tplNotHeard       = "110"
	tplNotHeard2      = "111"
	tplNotHeardFinal  = "112"
	tplHandoffAsk     = "0604"
	tplHandoffNoRoute = "0605"
	tplHandoffLead    = "104"
	tplTransferA      = "081"
	tplTransferB      = "082"
	tplEndNoA         = "086"
	tplEndNoB         = "087"
	tplEndB           = "088"
	tplAnythingElse   = "085"
	tplPassiveA       = "089"
	tplPassiveB       = "090"
)

// answerSet is the set of substantive answer templates. Selecting one of
// these resets the unclear streak and, outside AFTER_085, gets the
// "anything else?" prompt appended.
var answerSet = map[string]bool{
	"020": true, "030": true, "040": true, "042": true, "045": true,
	"050": true, "052": true, "055": true, "065": true, "069": true,
	"071": true, "091": true, "092": true, "095": true,
	"006_SYS": true, "007_SYS": true, "023_AI_IDENTITY": true, "024": true,
}

// selectTemplates is the pure intent→templates mapping for question-answer
// intents. Phase-dependent routing (greetings, confirmations, handoff) is
// handled by the machine; this function only encodes the per-intent trees.
func selectTemplates(label intent.Label, text string) []string {
	switch label {
	case intent.Inquiry:
		return []string{"020"}
	case intent.SystemInquiry:
		return []string{"006_SYS"}
	case intent.SystemExplain:
		return []string{"007_SYS"}
	case intent.AIIdentity:
		return []string{"023_AI_IDENTITY"}
	case intent.AICallTopic:
		return []string{"024"}
	case intent.Price:
		switch {
		case strings.Contains(text, "初期費用"):
			return []string{"042"}
		case strings.Contains(text, "最低"):
			return []string{"045"}
		default:
			return []string{"040"}
		}
	case intent.Setup:
		return []string{"050"}
	case intent.SetupDifficulty:
		return []string{"052"}
	case intent.Function:
		return []string{"030"}
	case intent.Support:
		return []string{"055"}
	case intent.Reservation:
		return []string{"065"}
	case intent.MultiStore:
		return []string{"069"}
	case intent.Dialect:
		return []string{"071"}
	case intent.Busy:
		return []string{"091"}
	case intent.CallbackRequest:
		return []string{"092"}
	case intent.SalesCall:
		return []string{"095"}
	case intent.Greeting:
		return []string{tplGreetingA, tplGreetingB}
	case intent.Interrupt:
		return nil
	case intent.EndCall:
		return []string{tplEndNoA, tplEndNoB}
	case intent.NotHeard:
		return []string{tplNotHeard}
	default:
		return []string{tplNotHeard}
	}
}

func containsTemplate(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeTemplates(ids []string, drop ...string) []string {
	out := ids[:0]
	for _, v := range ids {
		keep := true
		for _, d := range drop {
			if v == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, v)
		}
	}
	return out
}
