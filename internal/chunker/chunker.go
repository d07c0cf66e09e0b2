// Package chunker splits documents into overlapping word-window chunks,
// preferring natural boundaries (paragraph break, sentence end, pause)
// near the target size over hard cuts mid-sentence.
package chunker

import (
	"regexp"
	"strings"
)

// BoundaryType records which kind of boundary ended a chunk.
type BoundaryType string

const (
	BoundaryParagraph BoundaryType = "paragraph"
	BoundarySentence  BoundaryType = "sentence"
	BoundaryPause     BoundaryType = "pause"
	BoundaryHardCut   BoundaryType = "hard_cut"
	BoundaryEnd       BoundaryType = "end_of_document"
)

// Chunk is one window of the source document. Offsets are byte positions
// into the original text; Index is 0-based and stable for a given input
// and config, which the checkpoint/resume machinery depends on.
type Chunk struct {
	Text         string
	StartChar    int
	EndChar      int
	Index        int
	WordCount    int
	BoundaryType BoundaryType
}

// Config controls chunk sizing. Min and Max are derived from TargetWords
// when zero, keeping the same proportions as the defaults (800/1000/1500).
type Config struct {
	TargetWords  int
	MinWords     int
	MaxWords     int
	OverlapWords int
}

// DefaultConfig returns the standard sizing for prose documents.
func DefaultConfig() Config {
	return Config{
		TargetWords:  1000,
		MinWords:     800,
		MaxWords:     1500,
		OverlapWords: 200,
	}
}

func (c Config) normalized() Config {
	if c.TargetWords <= 0 {
		c.TargetWords = 1000
	}
	if c.MinWords <= 0 {
		c.MinWords = c.TargetWords * 4 / 5
	}
	if c.MaxWords <= 0 {
		c.MaxWords = c.TargetWords * 3 / 2
	}
	if c.OverlapWords < 0 {
		c.OverlapWords = 0
	}
	if c.OverlapWords >= c.TargetWords {
		c.OverlapWords = c.TargetWords / 2
	}
	return c
}

// Boundary patterns in priority order.
var (
	paragraphPattern = regexp.MustCompile(`\n\n+`)
	sentencePattern  = regexp.MustCompile(`[.!?]\s+[A-Z]`)
	pausePattern     = regexp.MustCompile(`[.]{3}\s+|;\s+`)
)

// searchRadius is how far (in bytes) around the ideal cut position each
// boundary pattern is searched.
const searchRadius = 500

// Split chunks text deterministically: the same input and config always
// produce the same chunk list. Empty or whitespace-only input yields nil.
func Split(text string, cfg Config) []Chunk {
	cfg = cfg.normalized()

	var chunks []Chunk
	pos := 0

	for pos < len(text) {
		remaining := text[pos:]
		if countWords(remaining) <= cfg.MaxWords {
			// Everything left fits in one final chunk.
			trimmed := strings.TrimSpace(remaining)
			if trimmed != "" {
				chunks = append(chunks, Chunk{
					Text:         trimmed,
					StartChar:    pos,
					EndChar:      len(text),
					Index:        len(chunks),
					WordCount:    countWords(trimmed),
					BoundaryType: BoundaryEnd,
				})
			}
			break
		}

		idealChar := pos + wordOffset(remaining, cfg.TargetWords)
		maxChar := pos + wordOffset(remaining, cfg.MaxWords)

		end, boundary := findBoundary(text, pos, idealChar, maxChar)
		if end <= pos {
			end = maxChar
			boundary = BoundaryHardCut
		}
		// A boundary that cuts below the floor is worse than no boundary.
		if countWords(text[pos:end]) < cfg.MinWords {
			end = maxChar
			boundary = BoundaryHardCut
		}

		piece := strings.TrimSpace(text[pos:end])
		if piece == "" {
			pos = end + 1
			continue
		}

		chunks = append(chunks, Chunk{
			Text:         piece,
			StartChar:    pos,
			EndChar:      end,
			Index:        len(chunks),
			WordCount:    countWords(piece),
			BoundaryType: boundary,
		})
		if end >= len(text) {
			break
		}

		// Next window starts overlap_words before this chunk's end.
		advance := wordOffset(piece, countWords(piece)-cfg.OverlapWords)
		if advance <= 0 {
			advance = len(piece)
		}
		pos += advance
	}

	return chunks
}

// findBoundary picks the boundary closest to idealChar within the search
// window, trying paragraph breaks first, then sentence ends, then pauses.
// Falls back to a hard cut at maxChar.
func findBoundary(text string, start, idealChar, maxChar int) (int, BoundaryType) {
	searchStart := idealChar - searchRadius
	if searchStart < start {
		searchStart = start
	}
	searchEnd := idealChar + searchRadius
	if searchEnd > len(text) {
		searchEnd = len(text)
	}
	window := text[searchStart:searchEnd]

	if cut, ok := closestMatch(paragraphPattern, window, searchStart, idealChar, 0); ok {
		return cut, BoundaryParagraph
	}
	// +1 lands the cut just after the closing punctuation.
	if cut, ok := closestMatch(sentencePattern, window, searchStart, idealChar, 1); ok {
		return cut, BoundarySentence
	}
	if cut, ok := closestMatch(pausePattern, window, searchStart, idealChar, 0); ok {
		return cut, BoundaryPause
	}

	if maxChar > len(text) {
		maxChar = len(text)
	}
	return maxChar, BoundaryHardCut
}

func closestMatch(re *regexp.Regexp, window string, windowStart, idealChar, offset int) (int, bool) {
	matches := re.FindAllStringIndex(window, -1)
	if len(matches) == 0 {
		return 0, false
	}
	best, bestDist := 0, -1
	for _, m := range matches {
		abs := windowStart + m[0] + offset
		dist := abs - idealChar
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = abs, dist
		}
	}
	return best, true
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// wordOffset returns the byte offset of the end of the nth word in s, so
// s[:wordOffset(s, n)] contains exactly n words. n past the end returns
// len(s); n <= 0 returns 0.
func wordOffset(s string, n int) int {
	if n <= 0 {
		return 0
	}
	inWord := false
	words := 0
	for i, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if !isSpace && !inWord {
			inWord = true
			words++
		} else if isSpace && inWord {
			inWord = false
			if words == n {
				return i
			}
		}
	}
	return len(s)
}
