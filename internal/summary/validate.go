package summary

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/pkg/models"
)

// Report is the validation result for one generated summary. The score
// is a weighted mix: structure 0.4, speculation 0.3, length 0.3.
type Report struct {
	Score             float64
	StructureOK       bool
	LengthOK          bool
	SpeculationDensity float64
	QualityMin        float64
}

// OK reports whether the summary clears the configured quality floor.
func (r Report) OK() bool { return r.Score >= r.QualityMin }

var headingPattern = regexp.MustCompile(`(?m)^##\s+(.+?)\s*$`)

// Phrases that signal the model is guessing instead of reporting. The
// density is phrases per sentence.
var speculationPhrases = []string{
	// English
	"probably", "perhaps", "it seems", "it appears", "might be", "may be",
	"i think", "i believe", "presumably", "likely caused", "could be",
	// Korean
	"아마도", "아마", "일 것입니다", "것 같습니다", "듯합니다", "듯 합니다",
	"추측", "보입니다", "가능성이 있습니다",
}

var sentenceEnd = regexp.MustCompile(`[.!?。]|다\.\s`)

// Validate scores a summary against the section contract.
func Validate(text string, cfg config.SummaryConfig) Report {
	r := Report{QualityMin: cfg.QualityMin}

	r.StructureOK = checkStructure(text)

	n := utf8.RuneCountInString(text)
	r.LengthOK = n >= cfg.MinChars && n <= cfg.MaxChars

	r.SpeculationDensity = speculationDensity(text)
	speculationOK := r.SpeculationDensity <= cfg.SpeculationMax

	r.Score = 0
	if r.StructureOK {
		r.Score += 0.4
	}
	if speculationOK {
		r.Score += 0.3
	} else if cfg.SpeculationMax > 0 {
		// Partial credit shrinking linearly with the overshoot.
		over := r.SpeculationDensity - cfg.SpeculationMax
		credit := 0.3 - over
		if credit > 0 {
			r.Score += credit
		}
	}
	if r.LengthOK {
		r.Score += 0.3
	} else if n > 0 {
		// Short summaries get proportional credit; oversized ones none.
		if n < cfg.MinChars {
			r.Score += 0.3 * float64(n) / float64(cfg.MinChars)
		}
	}
	return r
}

// checkStructure requires the four canonical headings, each exactly
// once, in order, with no extra sections.
func checkStructure(text string) bool {
	matches := headingPattern.FindAllStringSubmatch(text, -1)
	if len(matches) != len(models.SummarySections) {
		return false
	}
	for i, m := range matches {
		if !strings.EqualFold(strings.TrimSpace(m[1]), models.SummarySections[i]) {
			return false
		}
	}
	return true
}

func speculationDensity(text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, p := range speculationPhrases {
		hits += strings.Count(lower, p)
	}
	sentences := len(sentenceEnd.FindAllString(text, -1))
	if sentences == 0 {
		sentences = 1
	}
	return float64(hits) / float64(sentences)
}
