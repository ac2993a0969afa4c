package requestgen

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
)

// DefaultTokenizerModel is the model family used to size prompts when none
// is configured.
const DefaultTokenizerModel = "gpt-4-0613"

// Tokenizer counts the prompt tokens a message list costs for a model.
type Tokenizer interface {
	CountMessages(messages []openai.ChatCompletionMessage, model string) (int, error)
}

// TiktokenCounter counts tokens with the tiktoken BPE for the model, using
// the chat framing overhead published for gpt-3.5 and gpt-4 models.
type TiktokenCounter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewTiktokenCounter returns a counter that loads encodings on first use.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (c *TiktokenCounter) encoding(model string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("load encoding for %q: %w", model, err)
	}
	c.encodings[model] = enc
	return enc, nil
}

// CountMessages implements Tokenizer.
func (c *TiktokenCounter) CountMessages(messages []openai.ChatCompletionMessage, model string) (int, error) {
	if model == "" {
		model = DefaultTokenizerModel
	}
	enc, err := c.encoding(model)
	if err != nil {
		return 0, err
	}

	return countFramed(messages, model, func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}), nil
}

// countFramed adds the chat framing overhead to the encoded length of each
// message field.
func countFramed(messages []openai.ChatCompletionMessage, model string, encode func(string) int) int {
	perMessage, perName := messageOverhead(model)
	total := 0
	for _, msg := range messages {
		total += perMessage
		total += encode(msg.Role)
		total += encode(msg.Content)
		if msg.Name != "" {
			total += encode(msg.Name) + perName
		}
	}
	// Every reply is primed with <|start|>assistant<|message|>.
	return total + 3
}

func messageOverhead(model string) (perMessage, perName int) {
	if strings.HasPrefix(model, "gpt-3.5-turbo-0301") {
		return 4, -1
	}
	return 3, 1
}
