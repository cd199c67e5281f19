// Package summary generates the fixed four-section summaries of
// integrated objects via the LLM router, validates them, and compresses
// oversized context in large-scale mode.
package summary

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/wedosoft/supportrag/pkg/models"
)

// Template is one YAML prompt template. Files live under
// templates/system/<use_case>_<object_type>.yaml with an optional
// _<lang> suffix for language-specific variants. Templates are read at
// process start; edits take effect on restart.
type Template struct {
	Name     string   `yaml:"name"`
	Version  int      `yaml:"version"`
	UseCase  string   `yaml:"use_case"`
	Sections []string `yaml:"sections"`
	Params   struct {
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
		Stream      bool    `yaml:"stream"`
	} `yaml:"params"`
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// TemplateSet holds the loaded templates keyed by
// "<use_case>_<object_type>[_<lang>]".
type TemplateSet struct {
	templates map[string]*Template
}

// LoadTemplates reads every YAML template under dir. Missing directory is
// fatal only when no built-in fallback exists for a requested key.
func LoadTemplates(dir string) (*TemplateSet, error) {
	set := &TemplateSet{templates: make(map[string]*Template)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("dir", dir).Msg("template directory missing, using built-in prompts")
			return set, nil
		}
		return nil, fmt.Errorf("read template dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		var t Template
		if err := yaml.Unmarshal(buf, &t); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		key := strings.TrimSuffix(name, ".yaml")
		set.templates[key] = &t
		log.Debug().Str("template", key).Int("version", t.Version).Msg("prompt template loaded")
	}
	return set, nil
}

// Lookup resolves a template for (use_case, object_type, language),
// trying the language-specific variant first. Returns the built-in
// default when no file matches.
func (s *TemplateSet) Lookup(useCase models.UseCase, objectType models.ObjectType, language string) *Template {
	base := string(useCase) + "_" + string(objectType)
	if t, ok := s.templates[base+"_"+language]; ok {
		return t
	}
	if t, ok := s.templates[base]; ok {
		return t
	}
	return builtinTemplate(useCase, language)
}

// Render substitutes {subject}, {body}, and {language} placeholders and
// returns the chat messages for the router.
func (t *Template) Render(subject, body, language string) []models.ChatMessage {
	replace := strings.NewReplacer(
		"{subject}", subject,
		"{body}", body,
		"{language}", language,
	)
	return []models.ChatMessage{
		{Role: "system", Content: replace.Replace(t.System)},
		{Role: "user", Content: replace.Replace(t.User)},
	}
}

// builtinTemplate is the fallback prompt used when no template file
// matches. It carries the same section contract and anti-hallucination
// clauses as the shipped YAML files.
func builtinTemplate(useCase models.UseCase, language string) *Template {
	t := &Template{
		Name:     "builtin_" + string(useCase),
		Version:  1,
		UseCase:  string(useCase),
		Sections: models.SummarySections,
	}
	t.Params.MaxTokens = 1536
	t.Params.Temperature = 0.2

	bilingual := ""
	if language == models.LangKorean {
		bilingual = "\nWrite in Korean. Keep original English proper nouns in parentheses after the Korean term."
	}

	t.System = `You summarize customer support content into exactly four markdown sections, in this order:
## Problem
## Root Cause
## Resolution
## Insights

Rules:
- Never omit company names, dates, domain names, or URLs that appear in the source.
- State only facts present in the source. If the root cause or resolution is not stated, write "Not determined in this ticket."
- No speculation, no advice beyond what the source contains.` + bilingual
	t.User = "Subject: {subject}\n\nContent:\n{body}"
	return t
}
