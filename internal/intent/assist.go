package intent

import (
	"context"
	"fmt"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
)

// Assist is the optional LLM side path for template selection. Given the
// rule classifier's result and the candidate template ids, it may pick a
// better-fitting candidate. It only ever reorders within the candidate set;
// it cannot introduce ids, change the intent, or bypass the rule order, so
// the engine remains correct when the side path is disabled or failing.
type Assist struct {
	backend anyllmlib.Provider
	model   string
	timeout time.Duration
}

const assistSystemPrompt = "あなたは電話応対システムの応答選択器です。" +
	"発話に最も適切なテンプレートIDを候補から1つだけ選び、IDのみを出力してください。"

// NewAssist creates the side path for the named any-llm provider.
// Supported providers: "openai", "gemini", "ollama".
func NewAssist(providerName, model, apiKey, baseURL string) (*Assist, error) {
	if model == "" {
		return nil, fmt.Errorf("intent: assist model must not be empty")
	}
	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}

	var backend anyllmlib.Provider
	var err error
	switch strings.ToLower(providerName) {
	case "openai":
		backend, err = anyllmoai.New(opts...)
	case "gemini":
		backend, err = gemini.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("intent: unsupported assist provider %q; supported: openai, gemini, ollama", providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("intent: create assist backend %q: %w", providerName, err)
	}

	return &Assist{backend: backend, model: model, timeout: 2 * time.Second}, nil
}

// Rerank asks the model to pick the best template id for text out of
// candidates. It returns candidates reordered so the pick comes first. Any
// failure (timeout, transport, or an answer outside the candidate set)
// returns candidates unchanged: the side path must never degrade the
// rule-based result.
func (a *Assist) Rerank(ctx context.Context, text string, label Label, candidates []string) []string {
	if len(candidates) < 2 {
		return candidates
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	user := fmt.Sprintf("発話: %s\n判定済みインテント: %s\n候補ID: %s",
		text, label, strings.Join(candidates, ", "))

	resp, err := a.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: a.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: assistSystemPrompt},
			{Role: anyllmlib.RoleUser, Content: user},
		},
	})
	if err != nil || len(resp.Choices) == 0 {
		return candidates
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	for i, id := range candidates {
		if answer == id {
			if i == 0 {
				return candidates
			}
			out := make([]string, 0, len(candidates))
			out = append(out, id)
			out = append(out, candidates[:i]...)
			out = append(out, candidates[i+1:]...)
			return out
		}
	}
	return candidates
}
