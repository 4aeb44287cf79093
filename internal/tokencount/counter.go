// Package tokencount estimates token counts for raw agent text when the agent
// did not report usage itself.
package tokencount

import (
	"log/slog"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	DefaultEncoding = "cl100k_base"

	tokensPerWord = 1.3
	charsPerToken = 4
	// Above this average word length the text is not prose (minified code,
	// base64) and the word heuristic undercounts badly.
	maxProseWordLen = 12
)

type Method string

const (
	MethodTiktoken Method = "tiktoken"
	MethodWords    Method = "words"
	MethodChars    Method = "chars"
)

type Result struct {
	Tokens int64  `json:"tokens"`
	Method Method `json:"method"`
}

// Encoder is the subset of *tiktoken.Tiktoken the counter needs.
type Encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

type Counter struct {
	encoding string
	disabled bool

	once sync.Once
	enc  Encoder
}

type Option func(*Counter)

func WithEncoding(name string) Option {
	return func(c *Counter) { c.encoding = name }
}

// WithEncoder bypasses loading a BPE encoding.
func WithEncoder(enc Encoder) Option {
	return func(c *Counter) {
		c.enc = enc
		c.once.Do(func() {})
	}
}

// WithoutTiktoken forces the heuristic tiers. Loading an encoding may need
// network access the first time.
func WithoutTiktoken() Option {
	return func(c *Counter) { c.disabled = true }
}

func New(opts ...Option) *Counter {
	c := &Counter{encoding: DefaultEncoding}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Counter) encoder() Encoder {
	if c.disabled {
		return nil
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			slog.Warn("failed to load tiktoken encoding, falling back to heuristics",
				"encoding", c.encoding, "error", err)
			return
		}
		c.enc = enc
	})
	return c.enc
}

// Count estimates the tokens in text, preferring the BPE encoder and falling
// back to a word heuristic and then a character heuristic.
func (c *Counter) Count(text string) Result {
	if text == "" {
		return Result{Method: MethodTiktoken}
	}
	if enc := c.encoder(); enc != nil {
		return Result{Tokens: int64(len(enc.Encode(text, nil, nil))), Method: MethodTiktoken}
	}
	return Heuristic(text)
}

// Heuristic is the encoder-free estimate.
func Heuristic(text string) Result {
	words := strings.Fields(text)
	chars := utf8.RuneCountInString(text)
	if len(words) == 0 || chars/len(words) > maxProseWordLen {
		return Result{Tokens: int64(math.Ceil(float64(chars) / charsPerToken)), Method: MethodChars}
	}
	return Result{Tokens: int64(math.Ceil(float64(len(words)) * tokensPerWord)), Method: MethodWords}
}
