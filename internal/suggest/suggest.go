// Package suggest generates short writing suggestions for a story room. It
// talks to an OpenAI-compatible completion API when a key is configured and
// falls back to a canned per-type table otherwise, so a caller always gets a
// suggestion back.
package suggest

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sirupsen/logrus"
)

// Prompt types understood by the generator. Unknown types are treated as
// "continuation".
const (
	TypePlotTwist    = "plot_twist"
	TypeCharacter    = "character"
	TypeDialogue     = "dialogue"
	TypeSetting      = "setting"
	TypeConflict     = "conflict"
	TypeContinuation = "continuation"
	TypeDescription  = "description"
)

const systemPrompt = "You are a creative writing assistant. Provide concise, " +
	"imaginative suggestions that inspire writers. Keep responses under 200 words " +
	"and be creative and engaging."

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

type Generator struct {
	client  *openai.Client
	model   string
	enabled bool
	log     *logrus.Entry
}

func New(cfg Config) *Generator {
	g := &Generator{
		model: cfg.Model,
		log:   logrus.WithField("component", "suggest"),
	}
	if cfg.APIKey == "" {
		return g
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	g.client = &client
	g.enabled = true
	return g
}

// Suggest returns a short suggestion for the given story context. It never
// fails: any API problem degrades to the fallback table.
func (g *Generator) Suggest(ctx context.Context, storyContext, promptType, genre string) string {
	if !g.enabled {
		return Fallback(promptType)
	}

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(storyContext, promptType, genre)),
		},
		Temperature: openai.Float(0.8),
		MaxTokens:   openai.Int(200),
	})
	if err != nil {
		g.log.WithError(err).Warn("Completion API failed, using fallback suggestion")
		return Fallback(promptType)
	}
	if len(resp.Choices) == 0 {
		return Fallback(promptType)
	}

	suggestion := strings.TrimSpace(resp.Choices[0].Message.Content)
	if suggestion == "" {
		return Fallback(promptType)
	}
	return suggestion
}

func buildPrompt(storyContext, promptType, genre string) string {
	if genre == "" {
		genre = "story"
	}
	instructions := map[string]string{
		TypePlotTwist:    fmt.Sprintf("Generate an unexpected plot twist for this %s context:", genre),
		TypeCharacter:    "Suggest character development or a new character introduction:",
		TypeDialogue:     "Write compelling dialogue that fits this scene:",
		TypeSetting:      "Describe a vivid setting that continues this story:",
		TypeConflict:     "Introduce a new conflict or challenge:",
		TypeContinuation: "Continue the story naturally from this point:",
		TypeDescription:  "Add rich, descriptive details to enhance this scene:",
	}
	instruction, ok := instructions[promptType]
	if !ok {
		instruction = instructions[TypeContinuation]
	}
	return fmt.Sprintf("%s\n\nContext: %s\n\nSuggestion:", instruction, storyContext)
}

var fallbackTable = map[string][]string{
	TypePlotTwist: {
		"The protagonist discovers they've been living in a simulation",
		"The trusted mentor is actually the villain",
		"The magical artifact was a distraction from the real power within",
		"A character thought to be dead returns with crucial information",
		"The entire adventure was a test of character",
	},
	TypeCharacter: {
		"Introduce a character with a hidden connection to the past",
		"Reveal a secret talent or fear in an existing character",
		"Create a character who sees the world completely differently",
		"Add a character who challenges the protagonist's beliefs",
		"Introduce someone from the protagonist's forgotten past",
	},
	TypeDialogue: {
		"Add tension with a character who speaks in riddles",
		"Create conflict through a heated argument",
		"Reveal important information through casual conversation",
		"Show character growth through their choice of words",
		"Add humor with witty banter between characters",
	},
	TypeSetting: {
		"Describe a mysterious location that changes the mood",
		"Add atmospheric details that enhance the tension",
		"Create a setting that reflects the characters' emotions",
		"Describe a place that holds hidden secrets",
		"Paint a vivid picture of an otherworldly environment",
	},
	TypeConflict: {
		"Introduce a moral dilemma that tests the protagonist",
		"Create a physical obstacle that seems impossible to overcome",
		"Add a time constraint that increases pressure",
		"Introduce a character with conflicting goals",
		"Create a situation where all choices have consequences",
	},
	TypeContinuation: {
		"Continue with a surprising turn of events",
		"Add a moment of reflection or character development",
		"Introduce a new element that changes everything",
		"Continue with action that builds tension",
		"Add a scene that reveals important backstory",
	},
	TypeDescription: {
		"Add sensory details that bring the scene to life",
		"Describe the emotional atmosphere of the moment",
		"Include details that foreshadow future events",
		"Add descriptions that reveal character personality",
		"Create vivid imagery that engages all five senses",
	},
}

// Fallback picks a canned suggestion for the prompt type.
func Fallback(promptType string) string {
	suggestions, ok := fallbackTable[promptType]
	if !ok {
		suggestions = fallbackTable[TypeContinuation]
	}
	return suggestions[rand.Intn(len(suggestions))]
}
