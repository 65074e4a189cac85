// Package assist produces neutral dispute summaries with a hosted model.
package assist

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"google.golang.org/genai"

	"marketflow/apperr"
)

// MaxSummaryLen bounds the returned summary in characters.
const MaxSummaryLen = 4000

var (
	ErrAssistUnavailable = apperr.New(apperr.Server, "assist: summaries are not configured")
	ErrEmptySummary      = apperr.NewTransient(apperr.Server, "assist: model returned no text")
)

type Evidence struct {
	Party     string
	Kind      string
	Body      string
	CreatedAt time.Time
}

type Proposal struct {
	Party   string
	Outcome string
	Refund  string
	Note    string
	Status  string
}

// Brief is everything the summarizer may see about a dispute.
type Brief struct {
	DisputeID    string
	BookingTitle string
	Amount       string
	Currency     string
	Reason       string
	Description  string
	Status       string
	Evidence     []Evidence
	Proposals    []Proposal
}

type Summarizer interface {
	Summarize(ctx context.Context, brief Brief) (string, error)
}

const systemPrompt = `You summarize service marketplace disputes for a human moderator.
Be neutral and factual. Do not decide the outcome or assign blame.
Describe what each party claims, what evidence supports it, and any open proposals.
Refer to parties only as "client" and "professional". Use at most five short paragraphs.`

// BuildPrompt renders a brief as plain text.
func BuildPrompt(b Brief) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s (status: %s)\n", b.DisputeID, b.Status)
	fmt.Fprintf(&sb, "Booking: %s, amount %s %s\n", b.BookingTitle, b.Amount, b.Currency)
	fmt.Fprintf(&sb, "Reason: %s\n", b.Reason)
	if d := strings.TrimSpace(b.Description); d != "" {
		fmt.Fprintf(&sb, "Opening statement: %s\n", d)
	}

	sb.WriteString("\nEvidence:\n")
	if len(b.Evidence) == 0 {
		sb.WriteString("- none submitted\n")
	}
	for _, e := range b.Evidence {
		body := strings.TrimSpace(e.Body)
		if e.Kind == "file" && body == "" {
			body = "(file attachment)"
		}
		fmt.Fprintf(&sb, "- [%s, %s, %s] %s\n", e.Party, e.Kind, e.CreatedAt.UTC().Format(time.RFC3339), body)
	}

	sb.WriteString("\nResolution proposals:\n")
	if len(b.Proposals) == 0 {
		sb.WriteString("- none\n")
	}
	for _, p := range b.Proposals {
		fmt.Fprintf(&sb, "- %s proposed %s", p.Party, p.Outcome)
		if p.Refund != "" && p.Outcome != "release" {
			fmt.Fprintf(&sb, " refunding %s", p.Refund)
		}
		fmt.Fprintf(&sb, " (%s)", p.Status)
		if n := strings.TrimSpace(p.Note); n != "" {
			fmt.Fprintf(&sb, ": %s", n)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Truncate trims s and cuts it to at most max characters.
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}

// GenAISummarizer calls Models.GenerateContent.
type GenAISummarizer struct {
	client  *genai.Client
	model   string
	retries uint64
}

func NewGenAISummarizer(ctx context.Context, apiKey, model string) (*GenAISummarizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrAssistUnavailable
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("assist: create client: %w", err)
	}
	return &GenAISummarizer{client: client, model: model, retries: 2}, nil
}

func (g *GenAISummarizer) Summarize(ctx context.Context, brief Brief) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(BuildPrompt(brief), genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.2),
	}

	var text string
	err := apperr.Retry(ctx, func(ctx context.Context) error {
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
		if err != nil {
			return apperr.Wrap(apperr.Network, "assist: generate content", err)
		}
		text = resp.Text()
		if strings.TrimSpace(text) == "" {
			return ErrEmptySummary
		}
		return nil
	}, apperr.WithMaxRetries(g.retries), apperr.WithMaxElapsed(20*time.Second))
	if err != nil {
		return "", err
	}
	return Truncate(text, MaxSummaryLen), nil
}
