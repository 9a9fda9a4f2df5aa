package scans

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Severity buckets that contribute to the score.
type Severity string

const (
	SeverityHigh    Severity = "high"
	SeverityMedium  Severity = "medium"
	SeverityLow     Severity = "low"
	SeverityUnknown Severity = ""
)

// Finding is the canonical shape every tool output is normalized into.
type Finding struct {
	Tool     StepName `json:"tool"`
	Target   string   `json:"target,omitempty"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title,omitempty"`
}

// ParseSeverity maps the vocabularies used by bandit, semgrep, trivy and
// ZAP onto the three counted buckets. Anything else is uncounted.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "high", "error", "3":
		return SeverityHigh
	case "medium", "moderate", "warning", "2":
		return SeverityMedium
	case "low", "note", "1":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// CountSeverities tallies findings by bucket. Total counts every finding,
// including the ones whose severity was not recognized.
func CountSeverities(fs []Finding) SeverityCounts {
	var c SeverityCounts
	for _, f := range fs {
		switch f.Severity {
		case SeverityHigh:
			c.High++
		case SeverityMedium:
			c.Medium++
		case SeverityLow:
			c.Low++
		}
		c.Total++
	}
	return c
}

// NormalizeFindings extracts canonical findings from one step's result.
func NormalizeFindings(step StepName, doc json.RawMessage) []Finding {
	if len(doc) == 0 {
		return nil
	}
	switch step {
	case StepBandit:
		return parseBandit(doc)
	case StepSemgrep:
		return parseSemgrep(doc)
	case StepTrivy:
		return parseTrivy(doc)
	case StepDynamic:
		return parseDynamic(doc)
	case StepExtract:
		return nil
	default:
		return parseGeneric(step, doc)
	}
}

func parseBandit(doc json.RawMessage) []Finding {
	var out struct {
		Results []struct {
			IssueSeverity string `json:"issue_severity"`
			IssueText     string `json:"issue_text"`
			TestID        string `json:"test_id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		return parseGeneric(StepBandit, doc)
	}
	fs := make([]Finding, 0, len(out.Results))
	for _, r := range out.Results {
		fs = append(fs, Finding{
			Tool:     StepBandit,
			Severity: ParseSeverity(r.IssueSeverity),
			Title:    strings.TrimSpace(r.TestID + " " + r.IssueText),
		})
	}
	return fs
}

func parseSemgrep(doc json.RawMessage) []Finding {
	var out struct {
		Results []struct {
			CheckID string `json:"check_id"`
			Extra   struct {
				Severity string `json:"severity"`
				Message  string `json:"message"`
			} `json:"extra"`
		} `json:"results"`
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		return parseGeneric(StepSemgrep, doc)
	}
	fs := make([]Finding, 0, len(out.Results))
	for _, r := range out.Results {
		sev := ParseSeverity(r.Extra.Severity)
		if strings.EqualFold(r.Extra.Severity, "info") {
			sev = SeverityLow
		}
		fs = append(fs, Finding{
			Tool:     StepSemgrep,
			Severity: sev,
			Title:    r.CheckID,
		})
	}
	return fs
}

func parseTrivy(doc json.RawMessage) []Finding {
	type item struct {
		ID       string `json:"ID"`
		VulnID   string `json:"VulnerabilityID"`
		RuleID   string `json:"RuleID"`
		Title    string `json:"Title"`
		Severity string `json:"Severity"`
	}
	var out struct {
		Results []struct {
			Target            string `json:"Target"`
			Vulnerabilities   []item `json:"Vulnerabilities"`
			Secrets           []item `json:"Secrets"`
			Misconfigurations []item `json:"Misconfigurations"`
		} `json:"Results"`
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		return parseGeneric(StepTrivy, doc)
	}
	var fs []Finding
	for _, res := range out.Results {
		for _, group := range [][]item{res.Vulnerabilities, res.Secrets, res.Misconfigurations} {
			for _, it := range group {
				title := it.VulnID
				if title == "" {
					title = it.RuleID
				}
				if title == "" {
					title = it.ID
				}
				if title == "" {
					title = it.Title
				}
				fs = append(fs, Finding{
					Tool:     StepTrivy,
					Target:   res.Target,
					Severity: ParseSeverity(it.Severity),
					Title:    title,
				})
			}
		}
	}
	return fs
}

// parseDynamic walks the per-target ZAP reports of a dynamic result.
func parseDynamic(doc json.RawMessage) []Finding {
	var res DynamicResult
	if err := json.Unmarshal(doc, &res); err != nil {
		return nil
	}
	var fs []Finding
	for key, t := range res.Targets {
		if len(t.Report) == 0 {
			continue
		}
		for _, f := range parseZAP(t.Report) {
			f.Target = key
			fs = append(fs, f)
		}
	}
	return fs
}

func parseZAP(doc json.RawMessage) []Finding {
	var out struct {
		Site []struct {
			Alerts []struct {
				Name     string          `json:"name"`
				Alert    string          `json:"alert"`
				RiskCode json.RawMessage `json:"riskcode"`
				RiskDesc string          `json:"riskdesc"`
			} `json:"alerts"`
		} `json:"site"`
	}
	if err := json.Unmarshal(doc, &out); err != nil || len(out.Site) == 0 {
		return parseGeneric(StepDynamic, doc)
	}
	var fs []Finding
	for _, site := range out.Site {
		for _, a := range site.Alerts {
			sev := ParseSeverity(unquote(a.RiskCode))
			if f := strings.Fields(a.RiskDesc); sev == SeverityUnknown && len(f) > 0 {
				// "High (Medium)" -> risk (confidence)
				sev = ParseSeverity(f[0])
			}
			title := a.Name
			if title == "" {
				title = a.Alert
			}
			fs = append(fs, Finding{Tool: StepDynamic, Severity: sev, Title: title})
		}
	}
	return fs
}

// Field names probed, in order, when a tool output has no dedicated adapter.
var (
	findingKeys  = []string{"results", "findings", "vulnerabilities", "alerts", "issues"}
	severityKeys = []string{"severity", "issue_severity", "level", "risk", "riskcode"}
)

func parseGeneric(tool StepName, doc json.RawMessage) []Finding {
	var items []map[string]any
	if err := json.Unmarshal(doc, &items); err != nil {
		var obj map[string]any
		if err := json.Unmarshal(doc, &obj); err != nil {
			return nil
		}
		for _, k := range findingKeys {
			if arr, ok := obj[k].([]any); ok {
				for _, it := range arr {
					if m, ok := it.(map[string]any); ok {
						items = append(items, m)
					}
				}
				break
			}
		}
	}
	fs := make([]Finding, 0, len(items))
	for _, m := range items {
		f := Finding{Tool: tool}
		for _, k := range severityKeys {
			if v, ok := m[k]; ok {
				f.Severity = ParseSeverity(stringify(v))
				break
			}
		}
		if t, ok := m["title"].(string); ok {
			f.Title = t
		}
		fs = append(fs, f)
	}
	return fs
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.Itoa(int(x))
	default:
		return ""
	}
}

func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
