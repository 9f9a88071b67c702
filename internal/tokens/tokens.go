// Package tokens provides the single token-counting function used for
// context budgeting, prompt ceilings and cost estimates.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding matches the encoding used by OpenAI chat and embedding models.
const DefaultEncoding = "cl100k_base"

// CharsPerToken is a coarse ratio used only to seed searches for a prefix
// that fits a token allowance. Counts always come from a Counter.
const CharsPerToken = 4

type Counter interface {
	Count(text string) int
}

// Tiktoken counts tokens with a BPE encoding loaded from embedded tables,
// so no network access is needed at startup.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

var loaderOnce sync.Once

// NewTiktoken returns a Counter for the named encoding.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}
