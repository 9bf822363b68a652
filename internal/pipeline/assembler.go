package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"botgpt/internal/model"
)

var (
	// ErrPreambleExceedsBudget is a configuration error: no request can be
	// served until the preamble or the budget changes.
	ErrPreambleExceedsBudget = errors.New("system preamble exceeds token budget")
	ErrInvalidBudget         = errors.New("token budget must be positive")
)

const contextHeader = "Relevant context from documents:"

type Message struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

type Input struct {
	Preamble   string
	Chunks     []Chunk // ranked, best first
	History    []Message
	NewMessage string
	MaxTokens  int
}

// AssembledContext is exactly what goes to the model.
type AssembledContext struct {
	Messages       []Message `json:"messages"`
	Tokens         int       `json:"tokens"`
	Truncated      bool      `json:"truncated"`
	DroppedHistory int       `json:"dropped_history"`
	UsedChunks     []Chunk   `json:"used_chunks,omitempty"`
	DroppedChunks  int       `json:"dropped_chunks"`
}

type Assembler struct {
	estimator Estimator
}

func NewAssembler(estimator Estimator) *Assembler {
	if estimator == nil {
		estimator = defaultEstimator
	}
	return &Assembler{estimator: estimator}
}

// Assemble lays out system entry, history and the new user message within
// in.MaxTokens. The preamble and the new message are never dropped. Chunks
// are kept in rank order while they fit; history keeps the longest recent
// suffix that fits in what is left.
//
// When preamble plus new message alone exceed the budget the result holds
// only those two and is flagged truncated.
func (a *Assembler) Assemble(in Input) (AssembledContext, error) {
	if in.MaxTokens <= 0 {
		return AssembledContext{}, ErrInvalidBudget
	}

	preamble := strings.TrimSpace(in.Preamble)
	preambleTokens := a.estimator.EstimateTokens(preamble)
	if preambleTokens > in.MaxTokens {
		return AssembledContext{}, fmt.Errorf("%w: preamble needs %d tokens, budget is %d",
			ErrPreambleExceedsBudget, preambleTokens, in.MaxTokens)
	}

	newTokens := a.estimator.EstimateTokens(in.NewMessage)
	if preambleTokens+newTokens > in.MaxTokens {
		return a.build(preamble, preambleTokens, nil, nil, in, newTokens, 0, true), nil
	}

	system, systemTokens := preamble, preambleTokens
	usedChunks := 0
	for i := range in.Chunks {
		candidate := composeSystem(preamble, in.Chunks[:i+1])
		tokens := a.estimator.EstimateTokens(candidate)
		if tokens+newTokens > in.MaxTokens {
			break
		}
		system, systemTokens, usedChunks = candidate, tokens, i+1
	}

	remaining := in.MaxTokens - systemTokens - newTokens
	historyTokens := 0
	start := len(in.History)
	for i := len(in.History) - 1; i >= 0; i-- {
		t := a.estimator.EstimateTokens(in.History[i].Content)
		if historyTokens+t > remaining {
			break
		}
		historyTokens += t
		start = i
	}

	truncated := start > 0 || usedChunks < len(in.Chunks)
	return a.build(system, systemTokens, in.Chunks[:usedChunks], in.History[start:], in, newTokens, historyTokens, truncated), nil
}

func (a *Assembler) build(
	system string,
	systemTokens int,
	chunks []Chunk,
	history []Message,
	in Input,
	newTokens int,
	historyTokens int,
	truncated bool,
) AssembledContext {
	messages := make([]Message, 0, len(history)+2)
	if system != "" {
		messages = append(messages, Message{Role: model.RoleSystem, Content: system})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: model.RoleUser, Content: in.NewMessage})

	var used []Chunk
	if len(chunks) > 0 {
		used = append(used, chunks...)
	}
	return AssembledContext{
		Messages:       messages,
		Tokens:         systemTokens + historyTokens + newTokens,
		Truncated:      truncated,
		DroppedHistory: len(in.History) - len(history),
		UsedChunks:     used,
		DroppedChunks:  len(in.Chunks) - len(chunks),
	}
}

// composeSystem appends a numbered context block to the preamble.
func composeSystem(preamble string, chunks []Chunk) string {
	if len(chunks) == 0 {
		return preamble
	}
	var b strings.Builder
	if preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n\n")
	}
	b.WriteString(contextHeader)
	for i, c := range chunks {
		b.WriteString("\n\n[")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("] ")
		b.WriteString(strings.TrimSpace(c.Text))
	}
	return b.String()
}
