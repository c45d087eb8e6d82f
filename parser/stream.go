package parser

import (
	"strings"
	"sync"
)

// dedupPrefixLen is how much block content participates in the
// duplicate-suppression key alongside the filename.
const dedupPrefixLen = 64

// StreamParser extracts blocks incrementally as response chunks arrive.
// A block is emitted as soon as its closing fence shows up; Finalize
// re-parses the whole response as a backstop for anything the chunked
// passes missed. Duplicate suppression — keyed on filename plus a
// content prefix — persists across Feed and Finalize, so a block is
// never emitted twice.
type StreamParser struct {
	mu sync.Mutex

	buf strings.Builder

	emittedBlocks   int
	emittedCommands int
	planEmitted     bool
	seen            map[string]bool
}

// NewStreamParser creates an empty stream parser.
func NewStreamParser() *StreamParser {
	return &StreamParser{
		seen: make(map[string]bool),
	}
}

// Feed appends a chunk and returns whatever became complete because of
// it. The returned result is often empty — chunks usually end mid-block.
func (p *StreamParser) Feed(chunk string) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.WriteString(chunk)
	return p.delta()
}

// Finalize parses the full accumulated response and returns anything not
// yet emitted. Call it once after the stream ends.
func (p *StreamParser) Finalize() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delta()
}

// Response returns the full accumulated response text.
func (p *StreamParser) Response() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

// delta parses the whole buffer and returns only what hasn't been
// emitted before. Completed fences only ever accumulate at the end of
// the buffer, so positional counters identify the new ones; the seen set
// then suppresses content-level duplicates. Caller must hold mu.
func (p *StreamParser) delta() Result {
	full := Parse(p.buf.String())

	var out Result

	if full.Plan != nil && !p.planEmitted {
		out.Plan = full.Plan
		p.planEmitted = true
	}

	for _, b := range full.Blocks[min(p.emittedBlocks, len(full.Blocks)):] {
		key := dedupKey(b)
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		out.Blocks = append(out.Blocks, b)
	}
	p.emittedBlocks = len(full.Blocks)

	if p.emittedCommands < len(full.Commands) {
		out.Commands = append(out.Commands, full.Commands[p.emittedCommands:]...)
		p.emittedCommands = len(full.Commands)
	}

	return out
}

func dedupKey(b CodeBlock) string {
	prefix := b.Content
	if len(prefix) > dedupPrefixLen {
		prefix = prefix[:dedupPrefixLen]
	}
	return b.Filename + "\x00" + prefix
}
