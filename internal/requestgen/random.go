package requestgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/torosent/chatload/internal/clock"
	"github.com/torosent/chatload/internal/logging"
)

// RandomOptions configure a RandomBuilder. Pointer fields are only sent when
// set.
type RandomOptions struct {
	Model         string
	ContextTokens int
	MaxTokens     *int
	Completions   *int

	FrequencyPenalty *float64
	PresencePenalty  *float64
	Temperature      *float64
	TopP             *float64

	Tokenizer Tokenizer
	Cache     *FillerCache
	Seed      int64
	Clock     clock.Clock
	Logger    *slog.Logger
}

// RandomBuilder synthesizes prompts of random words padded to at least
// ContextTokens prompt tokens.
type RandomBuilder struct {
	opts  RandomOptions
	words *wordSource
}

// NewRandomBuilder validates opts and generates one request to warm the
// filler cache.
func NewRandomBuilder(opts RandomOptions) (*RandomBuilder, error) {
	if opts.Tokenizer == nil {
		return nil, errors.New("random builder requires a tokenizer")
	}
	if opts.ContextTokens < 0 {
		return nil, fmt.Errorf("context tokens must be non-negative, got %d", opts.ContextTokens)
	}
	if opts.Model == "" {
		opts.Model = DefaultTokenizerModel
	}
	if opts.Cache == nil {
		opts.Cache = NewFillerCache()
	}
	opts.Clock = clock.OrReal(opts.Clock)
	opts.Logger = logging.OrDiscard(opts.Logger)
	seed := opts.Seed
	if seed == 0 {
		seed = opts.Clock.Now().UnixNano()
	}

	b := &RandomBuilder{opts: opts, words: newWordSource(seed)}

	opts.Logger.Info("warming up prompt cache", "context_tokens", opts.ContextTokens, "model", opts.Model)
	if _, err := b.generate(); err != nil {
		return nil, fmt.Errorf("warm up prompt cache: %w", err)
	}
	return b, nil
}

// Next implements Builder.
func (b *RandomBuilder) Next(ctx context.Context) (Record, error) {
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	default:
	}
	return b.generate()
}

func (b *RandomBuilder) generate() (Record, error) {
	messages := b.baseMessages()
	filler, tokens, err := b.opts.Cache.GetOrFill(b.opts.ContextTokens, b.opts.Model, func() (string, int, error) {
		return b.fill(messages)
	})
	if err != nil {
		return Record{}, err
	}
	messages[0].Content += filler

	payload := Payload{"messages": messages}
	if b.opts.MaxTokens != nil {
		payload["max_tokens"] = *b.opts.MaxTokens
	}
	if b.opts.Completions != nil {
		payload["n"] = *b.opts.Completions
	}
	if b.opts.FrequencyPenalty != nil {
		payload["frequency_penalty"] = *b.opts.FrequencyPenalty
	}
	if b.opts.PresencePenalty != nil {
		payload["presence_penalty"] = *b.opts.PresencePenalty
	}
	if b.opts.Temperature != nil {
		payload["temperature"] = *b.opts.Temperature
	}
	if b.opts.TopP != nil {
		payload["top_p"] = *b.opts.TopP
	}
	return Record{Payload: payload, ContextTokens: tokens}, nil
}

// baseMessages starts every prompt with a unique marker so the far end
// cannot serve it from a cache.
func (b *RandomBuilder) baseMessages() []openai.ChatCompletionMessage {
	marker := ulid.MustNew(ulid.Timestamp(b.opts.Clock.Now()), ulid.DefaultEntropy()).String()
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: marker + " "},
	}
	if b.opts.MaxTokens != nil {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("%s write a long essay about life in at least %d tokens", marker, *b.opts.MaxTokens),
		})
	}
	return messages
}

// fill grows a filler string appended to the first message until the
// message list reaches the token target. Each round adds roughly one word
// per four missing tokens.
func (b *RandomBuilder) fill(base []openai.ChatCompletionMessage) (string, int, error) {
	messages := make([]openai.ChatCompletionMessage, len(base))
	copy(messages, base)
	prefix := messages[0].Content

	filler := ""
	for {
		count, err := b.opts.Tokenizer.CountMessages(messages, b.opts.Model)
		if err != nil {
			return "", 0, fmt.Errorf("count prompt tokens: %w", err)
		}
		remaining := b.opts.ContextTokens - count
		if remaining <= 0 {
			return filler, count, nil
		}
		filler += b.words.words((remaining+3)/4) + " "
		messages[0].Content = prefix + filler
	}
}
