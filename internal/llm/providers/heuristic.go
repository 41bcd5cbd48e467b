package providers

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/entrepeneur4lyf/chatgate/internal/llm"
)

// Topic is a category recognised by the heuristic responder
type Topic string

const (
	TopicStatus       Topic = "status"
	TopicDeliverables Topic = "deliverables"
	TopicGreeting     Topic = "greeting"
	TopicUnknown      Topic = "unknown"
)

// Keywords of typoTolerantLength or more accept a swapped pair of letters or
// a plural. Dropped letters are only forgiven from droppedLetterLength on,
// where they rarely turn one word into another.
const (
	typoTolerantLength  = 5
	droppedLetterLength = 7
)

type topicRule struct {
	topic    Topic
	keywords []string
}

// topicTable is checked in order; earlier topics win when several match
var topicTable = []topicRule{
	{topic: TopicStatus, keywords: []string{"status", "progress", "update", "timeline", "schedule", "deadline", "eta"}},
	{topic: TopicDeliverables, keywords: []string{"deliverable", "deliverables", "report", "slides", "deck", "document", "presentation", "export", "storyline"}},
	{topic: TopicGreeting, keywords: []string{"hello", "hi", "hey", "greetings", "morning", "afternoon", "evening", "thanks"}},
}

var topicTemplates = map[Topic]string{
	TopicStatus: `Here is where things stand%s:
- The AI backend is not reachable right now, so live project data is unavailable.
- Your last request was recorded and will be part of the history when the backend returns.
- Ask again shortly for an up-to-date status report.`,
	TopicDeliverables: `About deliverables%s:
- Deliverables are generated by the AI backend, which is currently offline.
- Drafts and exports already produced remain available in your workspace.
- Send the request again once the backend is back to generate new material.`,
	TopicGreeting: `Hello%s!
- I'm running in local mode, so my answers are limited for now.
- You can still ask about project status or deliverables.`,
	TopicUnknown: `I couldn't match that request to anything I can answer locally%s.
- Try asking about project status or deliverables.
- Full answers will be available again when the AI backend reconnects.`,
}

// HeuristicProvider answers from a fixed keyword table without any network access
type HeuristicProvider struct{}

// NewHeuristicProvider creates the local fallback responder
func NewHeuristicProvider() *HeuristicProvider {
	return &HeuristicProvider{}
}

// Name implements llm.Provider
func (h *HeuristicProvider) Name() string { return "local" }

// Initialize implements llm.Provider
func (h *HeuristicProvider) Initialize(context.Context) bool { return true }

// IsAvailable implements llm.Provider
func (h *HeuristicProvider) IsAvailable() bool { return true }

// LastError implements llm.Provider
func (h *HeuristicProvider) LastError() *llm.ErrorInfo { return nil }

// Generate implements llm.Provider. It never fails.
func (h *HeuristicProvider) Generate(_ context.Context, req llm.Request) (string, error) {
	latest, _ := llm.LatestUserMessage(req.Messages)
	topic := ClassifyTopic(latest.Content)

	suffix := ""
	if project := projectName(req.Messages); project != "" {
		suffix = fmt.Sprintf(" for %s", project)
	}
	return fmt.Sprintf(topicTemplates[topic], suffix), nil
}

// ClassifyTopic picks the topic for a user message
func ClassifyTopic(text string) Topic {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, rule := range topicTable {
		for _, keyword := range rule.keywords {
			for _, word := range words {
				if keywordMatches(keyword, word) {
					return rule.topic
				}
			}
		}
	}
	return TopicUnknown
}

// keywordMatches accepts common typing slips but not substitutions, which
// turn keywords into unrelated words ("states", "expert")
func keywordMatches(keyword, word string) bool {
	if word == keyword {
		return true
	}
	if len(keyword) < typoTolerantLength || word[0] != keyword[0] {
		return false
	}
	switch len(word) - len(keyword) {
	case 0:
		return isTransposition(keyword, word)
	case 1:
		return word == keyword+"s"
	case -1:
		return len(keyword) >= droppedLetterLength && fuzzy.Match(word, keyword)
	}
	return false
}

// isTransposition reports whether b is a with one adjacent pair swapped
func isTransposition(a, b string) bool {
	i := 0
	for i < len(a) && a[i] == b[i] {
		i++
	}
	return i+1 < len(a) && a[i] == b[i+1] && a[i+1] == b[i] && a[i+2:] == b[i+2:]
}

// projectName finds "Project: <name>" in the hidden system context
func projectName(messages []llm.Message) string {
	for _, msg := range messages {
		if msg.Role != llm.RoleSystem {
			continue
		}
		for _, line := range strings.Split(msg.Content, "\n") {
			if name, ok := strings.CutPrefix(strings.TrimSpace(line), "Project:"); ok {
				return strings.TrimSpace(name)
			}
		}
	}
	return ""
}
