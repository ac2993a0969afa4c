// Command mock_chat_server answers chat-completion requests on both the
// Azure and the OpenAI URL layouts so chatload can be exercised locally.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

type server struct {
	tokens       int
	tokenDelay   int // milliseconds
	throttleRate float64
	utilization  float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func main() {
	port := flag.Int("port", 8000, "Listening port")
	tokens := flag.Int("tokens", 50, "Completion tokens per response")
	tokenDelay := flag.Int("token-delay-ms", 10, "Delay between streamed tokens in milliseconds")
	throttleRate := flag.Float64("throttle-rate", 0, "Fraction of requests answered with 429 (0-1)")
	utilization := flag.Float64("utilization", -1, "Deployment utilization header value, negative to omit")
	flag.Parse()

	if *port <= 0 {
		log.Fatalf("port must be > 0")
	}
	if *throttleRate < 0 || *throttleRate > 1 {
		log.Fatalf("throttle-rate must be between 0 and 1")
	}

	s := &server{
		tokens:       *tokens,
		tokenDelay:   *tokenDelay,
		throttleRate: *throttleRate,
		utilization:  *utilization,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleChat)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock chat server listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func (s *server) throttle() bool {
	if s.throttleRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64() < s.throttleRate
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		respondError(w, http.StatusNotFound, "unknown route "+r.URL.Path)
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages is required")
		return
	}

	if s.throttle() {
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusTooManyRequests, "Rate limit is exceeded. Try again in 1 seconds.")
		return
	}
	if s.utilization >= 0 {
		w.Header().Set("azure-openai-deployment-utilization", fmt.Sprintf("%.1f%%", s.utilization))
	}

	n := s.tokens
	if req.MaxTokens > 0 && req.MaxTokens < n {
		n = req.MaxTokens
	}
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += len(strings.Fields(m.Content))
	}

	if req.Stream {
		s.stream(w, req.Model, n, promptTokens)
		return
	}

	time.Sleep(time.Duration(n*s.tokenDelay) * time.Millisecond)
	respondJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      "chatcmpl-mock",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: strings.Repeat("token ", n)},
			FinishReason: openai.FinishReasonLength,
		}},
		Usage: openai.Usage{PromptTokens: promptTokens, CompletionTokens: n, TotalTokens: promptTokens + n},
	})
}

func (s *server) stream(w http.ResponseWriter, model string, n, promptTokens int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	write := func(chunk openai.ChatCompletionStreamResponse) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for i := 0; i < n; i++ {
		time.Sleep(time.Duration(s.tokenDelay) * time.Millisecond)
		write(openai.ChatCompletionStreamResponse{
			ID:      "chatcmpl-mock",
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []openai.ChatCompletionStreamChoice{{
				Index: 0,
				Delta: openai.ChatCompletionStreamChoiceDelta{Content: "token "},
			}},
		})
	}
	write(openai.ChatCompletionStreamResponse{
		ID:      "chatcmpl-mock",
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{},
		Usage:   &openai.Usage{PromptTokens: promptTokens, CompletionTokens: n, TotalTokens: promptTokens + n},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"error": map[string]any{"code": fmt.Sprint(status), "message": message},
	})
}
