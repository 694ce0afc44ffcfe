package usecase

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/satriahrh/geminichat/domain"
)

// ChunkKind says which decode branch produced a Chunk
type ChunkKind int

const (
	// ChunkJSON is a {"response": string, "done": bool} object
	ChunkJSON ChunkKind = iota
	// ChunkRaw is anything that is not a JSON object; its text is kept verbatim
	ChunkRaw
)

// Chunk is one decoded line of a streamed response body
type Chunk struct {
	Kind ChunkKind
	Text string
	Done bool
}

// DecodeChunk decodes one line of a streaming body.
//
// A line that is a complete JSON object yields its "response" text and "done"
// flag; missing fields read as "" and false. Every other line, including
// arrays, bare JSON scalars and truncated objects, falls back to raw text and
// is returned unchanged, line terminator included.
func DecodeChunk(line []byte) Chunk {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) > 0 && trimmed[0] == '{' && gjson.ValidBytes(trimmed) {
		obj := gjson.ParseBytes(trimmed)
		return Chunk{
			Kind: ChunkJSON,
			Text: obj.Get("response").String(),
			Done: obj.Get("done").Bool(),
		}
	}

	return Chunk{Kind: ChunkRaw, Text: string(line)}
}

// streamAccumulator concatenates chunk text in arrival order until a done
// chunk is seen
type streamAccumulator struct {
	buf  strings.Builder
	done bool
}

// feed adds a chunk and reports whether the stream is finished
func (a *streamAccumulator) feed(c Chunk) bool {
	a.buf.WriteString(c.Text)
	if c.Kind == ChunkJSON && c.Done {
		a.done = true
	}
	return a.done
}

func (a *streamAccumulator) text() string {
	return strings.TrimSpace(a.buf.String())
}

// ExtractCandidateText pulls the generated text out of a Gemini
// generateContent envelope. The text parts of the first candidate are joined
// and trimmed.
func ExtractCandidateText(payload []byte) (string, error) {
	if !gjson.ValidBytes(payload) {
		return "", domain.ErrInvalidResponse
	}

	parts := gjson.GetBytes(payload, "candidates.0.content.parts.#.text")
	if !parts.Exists() || len(parts.Array()) == 0 {
		return "", domain.ErrNoContent
	}

	var text strings.Builder
	for _, part := range parts.Array() {
		text.WriteString(part.String())
	}
	return strings.TrimSpace(text.String()), nil
}
