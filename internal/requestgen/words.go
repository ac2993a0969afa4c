package requestgen

import (
	_ "embed"
	"math/rand"
	"strings"
	"sync"
)

//go:embed words.txt
var wordList string

var vocabulary = strings.Fields(wordList)

// wordSource picks filler words from the embedded vocabulary.
type wordSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newWordSource(seed int64) *wordSource {
	return &wordSource{rng: rand.New(rand.NewSource(seed))}
}

// words returns n random words joined by single spaces.
func (w *wordSource) words(n int) string {
	if n <= 0 {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	picked := make([]string, n)
	for i := range picked {
		picked[i] = vocabulary[w.rng.Intn(len(vocabulary))]
	}
	return strings.Join(picked, " ")
}
