package summary

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Compress reduces a conversation body to roughly budget runes for
// large-scale ingest runs. Sentences are scored by keyword overlap with
// the subject plus a bonus for resolution vocabulary, then the top ones
// are kept in their original order so the narrative still reads forward.
func Compress(subject, body string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(body) <= budget {
		return body
	}

	sentences := splitSentences(body)
	if len(sentences) <= 1 {
		runes := []rune(body)
		return string(runes[:budget])
	}

	subjectTerms := termSet(subject)

	type scored struct {
		idx   int
		score float64
		text  string
	}
	ranked := make([]scored, len(sentences))
	for i, sent := range sentences {
		ranked[i] = scored{idx: i, score: scoreSentence(sent, subjectTerms), text: sent}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	kept := make(map[int]bool)
	used := 0
	for _, s := range ranked {
		n := utf8.RuneCountInString(s.text)
		if used+n > budget {
			continue
		}
		kept[s.idx] = true
		used += n
	}

	var out []string
	for i, sent := range sentences {
		if kept[i] {
			out = append(out, sent)
		}
	}
	return strings.Join(out, " ")
}

var sentenceSplit = regexp.MustCompile(`(?m)(?:[.!?。]\s+|다\.\s+|\n+)`)

func splitSentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	var sentences []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}

// resolutionTerms boost sentences that describe what actually fixed the
// issue, which is the part worth keeping when compressing.
var resolutionTerms = []string{
	"resolved", "fixed", "solution", "caused by", "root cause", "because",
	"workaround", "patch", "upgrade", "rollback", "config",
	"해결", "원인", "조치", "수정", "설정", "패치", "업그레이드",
}

func scoreSentence(sent string, subjectTerms map[string]bool) float64 {
	lower := strings.ToLower(sent)

	var overlap float64
	for term := range subjectTerms {
		if strings.Contains(lower, term) {
			overlap++
		}
	}

	var bonus float64
	for _, term := range resolutionTerms {
		if strings.Contains(lower, term) {
			bonus += 0.5
		}
	}

	// Mild length penalty keeps rambling paragraphs from winning on
	// overlap alone.
	penalty := float64(utf8.RuneCountInString(sent)) / 2000
	return overlap + bonus - penalty
}

var termPattern = regexp.MustCompile(`[\p{L}\p{N}]{2,}`)

func termSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range termPattern.FindAllString(strings.ToLower(text), -1) {
		set[t] = true
	}
	return set
}
