package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"botgpt/internal/model"
)

const DefaultChunkSize = 500

type span struct{ start, end int }

// ChunkText splits content into sentence-aligned chunks of roughly size
// bytes. Every chunk is a trimmed substring of content and Offset is its
// byte position there. A single sentence longer than size is cut at rune
// boundaries.
func ChunkText(content string, size int) []model.DocumentChunk {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks []model.DocumentChunk
	emit := func(s span) {
		text := content[s.start:s.end]
		lead := len(text) - len(strings.TrimLeftFunc(text, unicode.IsSpace))
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		chunks = append(chunks, model.DocumentChunk{
			Index:  len(chunks),
			Offset: s.start + lead,
			Text:   text,
		})
	}

	cur := span{}
	for _, s := range sentences(content) {
		if s.end-s.start > size {
			if cur.end > cur.start {
				emit(cur)
			}
			for _, piece := range splitRunes(content, s, size) {
				emit(piece)
			}
			cur = span{start: s.end, end: s.end}
			continue
		}
		if cur.end > cur.start && s.end-cur.start > size {
			emit(cur)
			cur = span{start: s.start, end: s.start}
		}
		cur.end = s.end
	}
	if cur.end > cur.start {
		emit(cur)
	}
	return chunks
}

// sentences cuts content after '.', '!', '?' or a newline. The spans are
// contiguous and cover all of content.
func sentences(content string) []span {
	var out []span
	start := 0
	for i := 0; i < len(content); i++ {
		switch content[i] {
		case '.', '!', '?', '\n':
			end := i + 1
			if content[i] != '\n' && end < len(content) && !isSpaceByte(content[end]) {
				continue
			}
			out = append(out, span{start: start, end: end})
			start = end
		}
	}
	if start < len(content) {
		out = append(out, span{start: start, end: len(content)})
	}
	return out
}

func splitRunes(content string, s span, size int) []span {
	var out []span
	start := s.start
	for start < s.end {
		end := start + size
		if end >= s.end {
			end = s.end
		} else {
			for end > start && !utf8.RuneStart(content[end]) {
				end--
			}
			if end == start {
				_, w := utf8.DecodeRuneInString(content[start:])
				end = start + w
			}
		}
		out = append(out, span{start: start, end: end})
		start = end
	}
	return out
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
