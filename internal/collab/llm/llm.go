// Package llm generates personalized invite notes with the Anthropic API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/collab"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
)

const (
	DefaultModel = "claude-3-5-haiku-latest"
	maxTokens    = 300
	promptTag    = "invite-note-v1"
)

var ErrEmptyCompletion = errors.New("llm returned no text")

type Generator struct {
	client anthropic.Client
	model  string
	log    *zap.SugaredLogger
}

// New builds a generator. Extra options (base URL, retries) are passed to the SDK client.
func New(apiKey, model string, log *zap.SugaredLogger, opts ...option.RequestOption) *Generator {
	if model == "" {
		model = DefaultModel
	}
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Generator{
		client: anthropic.NewClient(all...),
		model:  model,
		log:    logx.Or(log),
	}
}

var _ collab.MessageGenerator = (*Generator)(nil)

func (g *Generator) Generate(ctx context.Context, req collab.MessageRequest) (collab.GeneratedMessage, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(Prompt(req))),
		},
	})
	if err != nil {
		g.log.Warnw("llm_generate_error", "lead_id", req.Lead.ID, "error", err)
		return collab.GeneratedMessage{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return collab.GeneratedMessage{}, ErrEmptyCompletion
	}
	return collab.GeneratedMessage{Content: text, Model: g.model, PromptTag: promptTag}, nil
}

const systemPrompt = "You write short LinkedIn connection notes. Reply with the note text only, " +
	"no greeting label, no quotes, at most 150 words and under 300 characters when possible."

// Prompt renders the user prompt for a lead and its top posts.
func Prompt(req collab.MessageRequest) string {
	var b strings.Builder
	l := req.Lead
	fmt.Fprintf(&b, "Write a connection note to %s", fallback(l.FullName, "this person"))
	if l.Title != "" {
		fmt.Fprintf(&b, ", %s", l.Title)
	}
	if l.Company != "" {
		fmt.Fprintf(&b, " at %s", l.Company)
	}
	b.WriteString(".\n")
	if len(req.Posts) > 0 {
		b.WriteString("Their recent posts:\n")
		for i, p := range req.Posts {
			fmt.Fprintf(&b, "%d. %s\n", i+1, clip(p.Text, 500))
		}
		b.WriteString("Reference one of the posts naturally.\n")
	}
	if req.Instructions != "" {
		fmt.Fprintf(&b, "Guidance: %s\n", req.Instructions)
	}
	return b.String()
}

func fallback(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
