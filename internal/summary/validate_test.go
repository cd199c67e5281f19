package summary

import (
	"strings"
	"testing"

	"github.com/wedosoft/supportrag/internal/config"
)

func testCfg() config.SummaryConfig {
	return config.SummaryConfig{
		MinChars:       200,
		MaxChars:       2000,
		SpeculationMax: 0.3,
		QualityMin:     0.7,
		CompressBudget: 6000,
	}
}

func goodSummary() string {
	pad := strings.Repeat("The SSO certificate expired on May 1. ", 3)
	return "## Problem\n" + pad +
		"\n## Root Cause\n" + pad +
		"\n## Resolution\n" + pad +
		"\n## Insights\n" + pad
}

func TestValidateGoodSummary(t *testing.T) {
	r := Validate(goodSummary(), testCfg())
	if !r.StructureOK {
		t.Error("structure check failed on canonical summary")
	}
	if !r.LengthOK {
		t.Error("length check failed")
	}
	if !r.OK() {
		t.Errorf("score = %.2f, want >= %.2f", r.Score, testCfg().QualityMin)
	}
}

func TestValidateMissingSection(t *testing.T) {
	text := strings.Replace(goodSummary(), "## Insights\n", "", 1)
	r := Validate(text, testCfg())
	if r.StructureOK {
		t.Error("structure check passed with a missing section")
	}
	if r.OK() {
		t.Errorf("score = %.2f, should fail quality floor", r.Score)
	}
}

func TestValidateSectionOrder(t *testing.T) {
	// Swap Problem and Root Cause.
	text := "## Root Cause\nx\n## Problem\nx\n## Resolution\nx\n## Insights\nx"
	r := Validate(text, testCfg())
	if r.StructureOK {
		t.Error("structure check passed with sections out of order")
	}
}

func TestValidateDuplicateSection(t *testing.T) {
	text := goodSummary() + "\n## Problem\nagain"
	if r := Validate(text, testCfg()); r.StructureOK {
		t.Error("structure check passed with a duplicated section")
	}
}

func TestValidateSpeculationDensity(t *testing.T) {
	speculative := "## Problem\nIt seems the cert might be broken. " +
		"Perhaaps it is probably DNS. It might be the proxy. It could be the firewall.\n" +
		"## Root Cause\nPresumably networking.\n## Resolution\nMight be fixed.\n## Insights\nProbably fine."
	r := Validate(speculative, testCfg())
	if r.SpeculationDensity <= testCfg().SpeculationMax {
		t.Errorf("speculation density %.2f, expected above threshold", r.SpeculationDensity)
	}
}

func TestValidateKoreanSpeculation(t *testing.T) {
	text := "## Problem\n인증서가 만료된 것 같습니다. 아마도 DNS 문제일 것입니다.\n## Root Cause\n추측입니다.\n## Resolution\n재발급했습니다.\n## Insights\n없음."
	r := Validate(text, testCfg())
	if r.SpeculationDensity == 0 {
		t.Error("korean speculation phrases not counted")
	}
}

func TestValidateLengthBounds(t *testing.T) {
	short := "## Problem\nx\n## Root Cause\nx\n## Resolution\nx\n## Insights\nx"
	if r := Validate(short, testCfg()); r.LengthOK {
		t.Error("length check passed under the minimum")
	}

	long := goodSummary() + strings.Repeat("padding ", 400)
	if r := Validate(long, testCfg()); r.LengthOK {
		t.Error("length check passed over the maximum")
	}
}

func TestCompressKeepsResolutionSentences(t *testing.T) {
	filler := strings.Repeat("Customer said hello and asked about the weather today. ", 60)
	key := "The issue was resolved by rotating the expired SSO certificate."
	body := filler + key + " " + filler

	out := Compress("SSO certificate login failure", body, 400)
	if !strings.Contains(out, "rotating the expired SSO certificate") {
		t.Errorf("compression dropped the resolution sentence: %q", out)
	}
	if len([]rune(out)) > 500 {
		t.Errorf("compressed length %d exceeds budget margin", len([]rune(out)))
	}
}

func TestCompressNoopUnderBudget(t *testing.T) {
	body := "Short body."
	if got := Compress("subject", body, 6000); got != body {
		t.Errorf("Compress changed text under budget: %q", got)
	}
}

func TestTemplateLookupFallsBack(t *testing.T) {
	set := &TemplateSet{templates: map[string]*Template{
		"summary_ticket":    {Name: "file"},
		"summary_ticket_ko": {Name: "file-ko"},
	}}

	if got := set.Lookup("summary", "ticket", "ko"); got.Name != "file-ko" {
		t.Errorf("language variant not preferred, got %q", got.Name)
	}
	if got := set.Lookup("summary", "ticket", "ja"); got.Name != "file" {
		t.Errorf("base template not used, got %q", got.Name)
	}
	if got := set.Lookup("realtime", "ticket", "en"); !strings.HasPrefix(got.Name, "builtin_") {
		t.Errorf("builtin fallback not used, got %q", got.Name)
	}
}

func TestTemplateRender(t *testing.T) {
	tmpl := &Template{System: "Lang {language}", User: "S: {subject}\nB: {body}"}
	msgs := tmpl.Render("subj", "body text", "en")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Content != "Lang en" {
		t.Errorf("system = %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[1].Content, "S: subj") || !strings.Contains(msgs[1].Content, "B: body text") {
		t.Errorf("user = %q", msgs[1].Content)
	}
}
