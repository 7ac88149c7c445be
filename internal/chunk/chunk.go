// Package chunk splits document text into overlapping, boundary-preserving
// windows for indexing and retrieval.
//
// The splitter prefers paragraph and sentence boundaries, falling back to
// ever finer separators until pieces fit the chunk size. Offsets are rune
// based so multi-byte text chunks cleanly.
package chunk

import (
	"regexp"

	"github.com/inboxlab/mailrag/internal/errors"
)

// Metadata keys written into every produced chunk.
const (
	MetaDocID      = "doc_id"
	MetaChunkIndex = "chunk_index"
	MetaChunkTotal = "chunk_total"
	MetaChunkSize  = "chunk_size_actual"
	MetaCharStart  = "char_start"
	MetaCharEnd    = "char_end"
)

// separators in strict priority order. The final empty separator forces a
// per-character split so any input can be consumed.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " ", ""}

// Chunk is a span of normalized document text, the unit of indexing.
type Chunk struct {
	Text      string
	Index     int
	Total     int
	CharStart int
	CharEnd   int
	Metadata  map[string]any
	Embedding []float32
}

// Splitter produces chunks of at most Size runes with roughly Overlap runes
// shared between consecutive chunks.
type Splitter struct {
	Size    int
	Overlap int
}

// NewSplitter validates the parameters and returns a Splitter.
// Size must be positive and Overlap must be in [0, Size).
func NewSplitter(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, errors.InvalidArgumentf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, errors.InvalidArgumentf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Splitter{Size: size, Overlap: overlap}, nil
}

var spaceRuns = regexp.MustCompile(` {2,}`)

// Normalize collapses runs of spaces to a single space. Newlines are
// preserved so paragraph boundaries survive.
func Normalize(text string) string {
	return spaceRuns.ReplaceAllString(text, " ")
}

// span is a half-open rune range into the normalized text.
type span struct {
	start, end int
}

// Split chunks text and stamps positional metadata into each chunk. The
// supplied metadata map is copied into every chunk; the original is not
// retained.
func (s *Splitter) Split(text string, metadata map[string]any) ([]Chunk, error) {
	if s.Size <= 0 || s.Overlap < 0 || s.Overlap >= s.Size {
		return nil, errors.InvalidArgumentf("invalid splitter: size=%d overlap=%d", s.Size, s.Overlap)
	}

	runes := []rune(Normalize(text))
	if len(runes) == 0 {
		return []Chunk{}, nil
	}

	var spans []span
	if len(runes) <= s.Size {
		spans = []span{{0, len(runes)}}
	} else {
		pieces := splitRecursive(runes, span{0, len(runes)}, 0, s.Size)
		spans = s.accumulate(pieces)
	}

	chunks := make([]Chunk, len(spans))
	for i, sp := range spans {
		c := Chunk{
			Text:      string(runes[sp.start:sp.end]),
			Index:     i,
			Total:     len(spans),
			CharStart: sp.start,
			CharEnd:   sp.end,
			Metadata:  make(map[string]any, len(metadata)+5),
		}
		for k, v := range metadata {
			c.Metadata[k] = v
		}
		c.Metadata[MetaChunkIndex] = i
		c.Metadata[MetaChunkTotal] = len(spans)
		c.Metadata[MetaChunkSize] = sp.end - sp.start
		c.Metadata[MetaCharStart] = sp.start
		c.Metadata[MetaCharEnd] = sp.end
		chunks[i] = c
	}
	return chunks, nil
}

// splitRecursive cuts sp into pieces no longer than size, trying separators
// from sepIdx onward. Separators stay attached to the preceding piece so
// concatenating pieces reconstructs the text exactly.
func splitRecursive(runes []rune, sp span, sepIdx, size int) []span {
	if sp.end-sp.start <= size {
		return []span{sp}
	}

	for ; sepIdx < len(separators); sepIdx++ {
		sep := separators[sepIdx]
		if sep == "" {
			// Forced per-character fallback.
			out := make([]span, 0, sp.end-sp.start)
			for i := sp.start; i < sp.end; i++ {
				out = append(out, span{i, i + 1})
			}
			return out
		}

		cuts := findCuts(runes, sp, []rune(sep))
		if len(cuts) == 0 {
			continue
		}

		var out []span
		prev := sp.start
		for _, cut := range append(cuts, sp.end) {
			if cut <= prev {
				continue
			}
			piece := span{prev, cut}
			if piece.end-piece.start > size {
				out = append(out, splitRecursive(runes, piece, sepIdx+1, size)...)
			} else {
				out = append(out, piece)
			}
			prev = cut
		}
		return out
	}

	return []span{sp}
}

// findCuts returns positions just after each occurrence of sep within sp.
func findCuts(runes []rune, sp span, sep []rune) []int {
	var cuts []int
	for i := sp.start; i+len(sep) <= sp.end; i++ {
		match := true
		for j := range sep {
			if runes[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			cuts = append(cuts, i+len(sep))
			i += len(sep) - 1
		}
	}
	return cuts
}

// accumulate greedily packs pieces into chunks of at most Size runes,
// seeding each new chunk with the Overlap-rune tail of the one just closed.
// The seed is dropped when even the first piece would not fit with it.
func (s *Splitter) accumulate(pieces []span) []span {
	if len(pieces) == 0 {
		return nil
	}

	var out []span
	bufStart := pieces[0].start
	lastEnd := pieces[0].start

	for _, p := range pieces {
		if lastEnd > bufStart && p.end-bufStart > s.Size {
			out = append(out, span{bufStart, lastEnd})
			bufStart = lastEnd - s.Overlap
			if bufStart < 0 {
				bufStart = 0
			}
			// Overlap is clamped away when the next piece alone would
			// overflow the seeded buffer.
			if p.end-bufStart > s.Size && p.end-p.start <= s.Size {
				bufStart = p.start
			}
		}
		lastEnd = p.end
	}
	if lastEnd > bufStart {
		out = append(out, span{bufStart, lastEnd})
	}
	return out
}
