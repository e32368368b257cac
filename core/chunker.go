package orchestration

import "strings"

// sentenceChunker splits streamed response text into sentence-bounded
// chunks for synthesis. Text accumulates until a terminator followed by
// whitespace confirms a sentence end, so abbreviations inside numbers
// ("3.14") never cut a chunk short. The committed prefix is the exact
// concatenation of every emitted chunk; it is what a continuation request
// hands to the next provider after a mid-stream failure.
type sentenceChunker struct {
	pending   strings.Builder
	committed strings.Builder

	emit func(chunk string)
}

func newSentenceChunker(emit func(chunk string)) *sentenceChunker {
	return &sentenceChunker{emit: emit}
}

// Feed appends streamed text and emits every sentence completed by it.
func (c *sentenceChunker) Feed(text string) {
	c.pending.WriteString(text)

	buffered := c.pending.String()
	consumed := 0
	for {
		cut := sentenceEnd(buffered[consumed:])
		if cut < 0 {
			break
		}
		c.emitChunk(buffered[consumed : consumed+cut])
		consumed += cut
	}

	if consumed > 0 {
		c.pending.Reset()
		c.pending.WriteString(buffered[consumed:])
	}
}

// Flush emits whatever is buffered as a final chunk, terminator or not.
func (c *sentenceChunker) Flush() {
	if c.pending.Len() == 0 {
		return
	}
	remainder := c.pending.String()
	c.pending.Reset()
	if strings.TrimSpace(remainder) == "" {
		return
	}
	c.emitChunk(remainder)
}

// DiscardPending drops buffered text that never reached a sentence
// boundary. Called on mid-stream provider failure so the continuation
// point stays sentence-aligned.
func (c *sentenceChunker) DiscardPending() {
	c.pending.Reset()
}

// Committed returns the sentence-bounded prefix emitted so far.
func (c *sentenceChunker) Committed() string {
	return c.committed.String()
}

func (c *sentenceChunker) emitChunk(chunk string) {
	c.committed.WriteString(chunk)
	c.emit(chunk)
}

// sentenceEnd returns the cut position just past the first completed
// sentence, or -1 when no sentence has completed yet. A sentence completes
// at a run of '.', '?' or '!' (plus any closing quote) followed by
// whitespace; a terminator at the very end of the buffer stays pending
// because more of the same sentence may still arrive.
func sentenceEnd(text string) int {
	for i := 0; i < len(text); i++ {
		if !isTerminator(text[i]) {
			continue
		}

		end := i + 1
		for end < len(text) && (isTerminator(text[end]) || isClosingQuote(text[end])) {
			end++
		}
		if end == len(text) {
			return -1
		}
		if isSpace(text[end]) {
			// Trailing whitespace travels with the sentence so the
			// committed prefix reconstructs the stream byte for byte.
			for end < len(text) && isSpace(text[end]) {
				end++
			}
			return end
		}
		i = end - 1
	}
	return -1
}

func isTerminator(b byte) bool {
	return b == '.' || b == '?' || b == '!'
}

func isClosingQuote(b byte) bool {
	return b == '"' || b == '\'' || b == ')'
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
