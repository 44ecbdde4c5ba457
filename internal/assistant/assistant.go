// Package assistant is the optional money-saving chat. It is independent of
// the ledger; its failures never reach ledger state.
package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"

	"expense-ledger/internal/models"
	"expense-ledger/internal/validate"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

// Failure reasons carried by *models.AssistantError.
const (
	ReasonUnavailable = "assistant unavailable"
	ReasonFailed      = "request failed"
	ReasonEmpty       = "empty reply"
)

const instruction = "You are a personal finance assistant inside an expense tracker. " +
	"Give short, practical money saving tips."

// Role says who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one message of a conversation.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Client answers prompt given the prior turns.
type Client interface {
	Reply(ctx context.Context, history []Turn, prompt string) (string, error)
}

// Config selects the backend. An empty APIKey disables the assistant.
type Config struct {
	APIKey string
	Model  string
}

// New returns a Gemini client, or a disabled client when no API key is set.
func New(ctx context.Context, cfg Config, log logrus.FieldLogger) (Client, error) {
	log = log.WithField("component", "assistant")
	if cfg.APIKey == "" {
		log.Info("AI features are disabled. Set GOOGLE_GEMINI_API_KEY to enable them.")
		return Disabled{}, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &models.AssistantError{Reason: ReasonUnavailable, Err: err}
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	log.WithField("model", model).Info("Gemini AI configured")
	return &Gemini{client: client, model: model, log: log}, nil
}

// Enabled reports whether c can answer at all.
func Enabled(c Client) bool {
	_, off := c.(Disabled)
	return c != nil && !off
}

// Disabled fails every call.
type Disabled struct{}

func (Disabled) Reply(context.Context, []Turn, string) (string, error) {
	return "", &models.AssistantError{Reason: ReasonUnavailable}
}

// Gemini sends the conversation to the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	log    logrus.FieldLogger
}

func (g *Gemini) Reply(ctx context.Context, history []Turn, prompt string) (string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		role := genai.RoleUser
		if t.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, genai.Role(role)))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
	})
	if err != nil {
		g.log.WithError(err).Warn("Gemini request failed")
		return "", &models.AssistantError{Reason: ReasonFailed, Err: err}
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &models.AssistantError{Reason: ReasonEmpty}
	}
	return text, nil
}

// Conversation keeps the ordered history of one user's chat. Only turns that
// got an answer are kept.
type Conversation struct {
	mu     sync.Mutex
	client Client
	turns  []Turn
}

func NewConversation(client Client) *Conversation {
	return &Conversation{client: client}
}

// Send asks prompt in the context of the earlier turns.
func (c *Conversation) Send(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", &models.ValidationError{Field: "prompt", Reason: validate.ReasonRequired}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.client.Reply(ctx, append([]Turn(nil), c.turns...), prompt)
	if err != nil {
		var aerr *models.AssistantError
		if !errors.As(err, &aerr) {
			err = &models.AssistantError{Reason: ReasonFailed, Err: err}
		}
		return "", err
	}
	c.turns = append(c.turns, Turn{Role: RoleUser, Text: prompt}, Turn{Role: RoleModel, Text: reply})
	return reply, nil
}

// History returns a copy of the turns so far.
func (c *Conversation) History() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.turns...)
}
