package prompt

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens approximates the size of a prompt with the cl100k encoding.
// Image payloads are not counted. Returns 0 if no codec could be loaded.
func EstimateTokens(messages []Message) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("could not load tokenizer")
			return
		}
		codec = c
	})
	if codec == nil {
		return 0
	}

	total := 0
	for _, m := range messages {
		ids, _, err := codec.Encode(m.Text)
		if err != nil {
			continue
		}
		// role and separators
		total += len(ids) + 4
	}
	return total
}
