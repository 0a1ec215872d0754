package chat

import (
	"encoding/json"
	"regexp"
	"strings"
)

// SegmentKind classifies one decoded piece of a model reply.
type SegmentKind string

const (
	SegmentThink SegmentKind = "think"
	SegmentCode  SegmentKind = "code"
	SegmentFence SegmentKind = "fence"
	SegmentText  SegmentKind = "text"
)

// Segment is one decoded piece of a reply. Raw is the exact input slice the
// segment was decoded from; concatenating Raw over every segment of a reply
// (including filtered ones) reproduces the input byte for byte.
type Segment struct {
	Kind    SegmentKind
	Lang    string
	Content string
	Raw     string
}

// DecodeOptions control which segments Decode yields.
type DecodeOptions struct {
	// KeepThink yields think segments instead of dropping them.
	KeepThink bool
	// KeepEmpty yields segments whose content is blank.
	KeepEmpty bool
}

var segmentToken = regexp.MustCompile("(<think>)|(</think>)|(```[a-zA-Z_0-9]+)|(```)")

// tokenize splits a reply into marker tokens and the text between them.
func tokenize(reply string) []string {
	var tokens []string
	last := 0
	for _, loc := range segmentToken.FindAllStringIndex(reply, -1) {
		if loc[0] > last {
			tokens = append(tokens, reply[last:loc[0]])
		}
		tokens = append(tokens, reply[loc[0]:loc[1]])
		last = loc[1]
	}
	if last < len(reply) {
		tokens = append(tokens, reply[last:])
	}
	return tokens
}

type segmentParser struct {
	tokens []string
	pos    int
}

func (p *segmentParser) next() (string, bool) {
	if p.pos >= len(p.tokens) {
		return "", false
	}
	tok := p.tokens[p.pos]
	p.pos++
	return tok, true
}

// readThink consumes tokens until </think>. Nested think blocks stay inline
// with their markers so Raw reconstruction is exact.
func (p *segmentParser) readThink() (content string, closed bool) {
	var b strings.Builder
	for {
		tok, ok := p.next()
		if !ok {
			return b.String(), false
		}
		switch {
		case tok == "</think>":
			return b.String(), true
		case tok == "<think>":
			inner, innerClosed := p.readThink()
			b.WriteString("<think>" + inner)
			if innerClosed {
				b.WriteString("</think>")
			}
		default:
			b.WriteString(tok)
		}
	}
}

// readFenced consumes tokens until a bare ```. A nested ```lang opener swallows
// its own fenced block, keeping the literal text.
func (p *segmentParser) readFenced() (content string, closed bool) {
	var b strings.Builder
	for {
		tok, ok := p.next()
		if !ok {
			return b.String(), false
		}
		switch {
		case tok == "```":
			return b.String(), true
		case strings.HasPrefix(tok, "```") && len(tok) > 3:
			inner, innerClosed := p.readFenced()
			b.WriteString(tok + inner)
			if innerClosed {
				b.WriteString("```")
			}
		default:
			b.WriteString(tok)
		}
	}
}

// Decode splits a model reply into segments. Fenced blocks with a language
// become code segments, bare fences become fence segments, text that parses
// as a JSON object or array is re-tagged as code/json, everything else is
// text. Think segments are dropped unless opts.KeepThink; blank segments are
// dropped unless opts.KeepEmpty.
func Decode(reply string, opts DecodeOptions) []Segment {
	p := &segmentParser{tokens: tokenize(reply)}
	var segs []Segment
	emit := func(s Segment) {
		if !opts.KeepEmpty && strings.TrimSpace(s.Content) == "" {
			return
		}
		segs = append(segs, s)
	}
	for {
		tok, ok := p.next()
		if !ok {
			break
		}
		switch {
		case tok == "<think>":
			content, closed := p.readThink()
			raw := tok + content
			if closed {
				raw += "</think>"
			}
			if opts.KeepThink {
				emit(Segment{Kind: SegmentThink, Content: content, Raw: raw})
			}
		case strings.HasPrefix(tok, "```") && len(tok) > 3:
			content, closed := p.readFenced()
			raw := tok + content
			if closed {
				raw += "```"
			}
			emit(Segment{Kind: SegmentCode, Lang: strings.ToLower(tok[3:]), Content: content, Raw: raw})
		case tok == "```":
			content, closed := p.readFenced()
			raw := tok + content
			if closed {
				raw += "```"
			}
			emit(Segment{Kind: SegmentFence, Content: content, Raw: raw})
		default:
			emit(textSegment(tok))
		}
	}
	return segs
}

// textSegment classifies loose text, promoting bare JSON objects and arrays
// to code/json segments.
func textSegment(tok string) Segment {
	trimmed := strings.TrimSpace(tok)
	bracketed := (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"))
	if bracketed && json.Valid([]byte(trimmed)) {
		return Segment{Kind: SegmentCode, Lang: "json", Content: trimmed, Raw: tok}
	}
	return Segment{Kind: SegmentText, Content: tok, Raw: tok}
}
