package webguard

import (
	"fmt"
	"regexp"
	"strings"
)

// detectScope selects which normalized request fields a detector reads.
type detectScope int

const (
	scopeFull detectScope = iota // path + query + body + header values
	scopePath                    // path + query only
)

// signal is one independent check inside a detector. Matching adds weight to
// the running confidence; a non-match never subtracts, so signals can run in
// any order with identical results.
type signal struct {
	pattern *regexp.Regexp
	weight  float64
	note    string
}

// detectorDef describes one content-based attack family. Detection is a pure
// function of the input text and these constants.
type detectorDef struct {
	Attack  AttackType
	Scope   detectScope
	// Floor is the minimum accumulated confidence before the family is
	// reported at all. Shell metacharacters appear in ordinary header
	// values, so noisy families need more than one signal to classify.
	Floor   float64
	Signals []signal
	// Extra runs after the signal table for checks that are not a single
	// regex (entropy crossing, entity counting). May be nil.
	Extra func(text string, acc *confidenceAccumulator)
}

// confidenceAccumulator implements the additive-confidence model: each
// matching signal adds its fixed weight and the total is clamped to 1.0 at
// the end.
type confidenceAccumulator struct {
	total   float64
	reasons []string
}

func (a *confidenceAccumulator) add(weight float64, reason string) {
	a.total += weight
	a.reasons = append(a.reasons, reason)
}

func (a *confidenceAccumulator) result(attack AttackType) DetectionResult {
	confidence := clamp(a.total, 0, 1)
	explanation := ""
	if len(a.reasons) > 0 {
		explanation = strings.Join(a.reasons, "; ")
	}
	return DetectionResult{Type: attack, Confidence: confidence, Explanation: explanation}
}

// Detect runs the definition against the given text.
func (d *detectorDef) Detect(text string) DetectionResult {
	acc := &confidenceAccumulator{}
	for _, sig := range d.Signals {
		if sig.pattern.MatchString(text) {
			acc.add(sig.weight, sig.note)
		}
	}
	if d.Extra != nil {
		d.Extra(text, acc)
	}
	return acc.result(d.Attack)
}

var sqlKeywords = []string{
	"union", "select", "insert", "update", "delete", "drop",
	"create", "alter", "exec", "execute",
}

func sqlKeywordSignals() []signal {
	signals := make([]signal, 0, len(sqlKeywords))
	for _, kw := range sqlKeywords {
		signals = append(signals, signal{
			pattern: regexp.MustCompile(`(?i)\b` + kw + `\b`),
			weight:  0.2,
			note:    "sql keyword: " + kw,
		})
	}
	return signals
}

var sqliDetector = detectorDef{
	Attack: AttackSQLi,
	Scope:  scopeFull,
	Signals: append(sqlKeywordSignals(),
		signal{regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER)\b.*\b(FROM|INTO|TABLE|WHERE)\b`), 0.3, "sql statement structure"},
		signal{regexp.MustCompile(`(?i)\bUNION\b.*\bSELECT\b`), 0.3, "union-based injection"},
		signal{regexp.MustCompile(`(?i)\bOR\b.*\d+\s*=\s*\d+`), 0.3, "or-based tautology"},
		signal{regexp.MustCompile(`(?i)\bAND\b.*\d+\s*=\s*\d+`), 0.3, "and-based tautology"},
		signal{regexp.MustCompile(`--|#|/\*|\*/`), 0.3, "sql comment marker"},
	),
	Extra: func(text string, acc *confidenceAccumulator) {
		// Entropy amplifies existing sql evidence; ordinary traffic sits
		// close enough to the threshold that it cannot classify on its own.
		if acc.total == 0 {
			return
		}
		if entropy := ShannonEntropy(text); entropy > defaultEntropyThreshold {
			acc.add(0.2, fmt.Sprintf("high payload entropy %.2f", entropy))
		}
	},
}

var xssDetector = detectorDef{
	Attack: AttackXSS,
	Scope:  scopeFull,
	Signals: []signal{
		{regexp.MustCompile(`(?i)<script`), 0.25, "script tag"},
		{regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`), 0.25, "complete script element"},
		{regexp.MustCompile(`(?i)javascript:`), 0.25, "javascript scheme"},
		{regexp.MustCompile(`(?i)vbscript:`), 0.25, "vbscript scheme"},
		{regexp.MustCompile(`(?i)\bon\w+\s*=`), 0.25, "inline event handler"},
		{regexp.MustCompile(`(?i)<iframe[^>]*>`), 0.25, "iframe injection"},
		{regexp.MustCompile(`(?i)\beval\s*\(`), 0.25, "eval call"},
		{regexp.MustCompile(`(?i)document\.cookie`), 0.25, "cookie access"},
		{regexp.MustCompile(`(?i)document\.write`), 0.25, "document.write call"},
	},
	Extra: func(text string, acc *confidenceAccumulator) {
		entities := []string{"&lt;", "&gt;", "&amp;", "&#x", "&#"}
		distinct := 0
		for _, entity := range entities {
			if strings.Contains(text, entity) {
				distinct++
			}
		}
		if distinct > 2 {
			acc.add(0.1, fmt.Sprintf("%d html entity evasion markers", distinct))
		}
	},
}

// sensitiveTargets are credential and configuration paths commonly probed
// once a traversal foothold exists.
var sensitiveTargets = []string{
	"/etc/passwd", "/etc/shadow", "/etc/hosts", "/proc/self/environ",
	"/windows/system32", "web.config", ".htaccess", ".env",
	"config.php", "application.yml",
}

var traversalDetector = detectorDef{
	Attack: AttackPathTraversal,
	Scope:  scopePath,
	Signals: []signal{
		{regexp.MustCompile(`\.\./`), 0.4, "directory traversal"},
		{regexp.MustCompile(`\.\.\\`), 0.4, "windows traversal"},
		{regexp.MustCompile(`(?i)%2e%2e%2f`), 0.4, "encoded traversal"},
		{regexp.MustCompile(`(?i)%2e%2e/`), 0.4, "mixed-encoding traversal"},
		{regexp.MustCompile(`(?i)\.\.%2f`), 0.4, "mixed-encoding traversal separator"},
	},
	Extra: func(text string, acc *confidenceAccumulator) {
		lower := strings.ToLower(text)
		for _, target := range sensitiveTargets {
			if strings.Contains(lower, target) {
				acc.add(0.5, "sensitive file access: "+target)
				return
			}
		}
	},
}

var cmdInjectionDetector = detectorDef{
	Attack: AttackCommandInjection,
	Scope:  scopeFull,
	Floor:  0.4,
	Signals: []signal{
		{regexp.MustCompile("[;&|`$()<>]"), 0.3, "shell metacharacter"},
		{regexp.MustCompile(`(?i)\b(cmd|bash|sh|powershell|exec)\b`), 0.3, "shell interpreter keyword"},
		{regexp.MustCompile(`(?i)\b(system|shell_exec|passthru|proc_open)\b`), 0.3, "exec function call"},
		{regexp.MustCompile(`\|\||&&`), 0.3, "command chaining"},
		{regexp.MustCompile(`(?i)\b(cat|ls|dir|whoami|netstat|ps)\b.*\|`), 0.3, "piped system command"},
	},
}

// contentDetectors is the registry the orchestrator iterates. Brute force
// and rate abuse are intentionally absent: those families are frequency
// driven and classified by the tracker and rate limiter, never by content.
var contentDetectors = []*detectorDef{
	&sqliDetector,
	&xssDetector,
	&traversalDetector,
	&cmdInjectionDetector,
}

// DetectContent runs every content detector against the request and returns
// all non-zero verdicts. Detectors are pure and order-insensitive, so the
// result is identical regardless of iteration order.
func DetectContent(req RequestContext) []DetectionResult {
	fullText := combineRequestText(req)
	pathText := req.Path
	if req.Query != "" {
		pathText += "?" + req.Query
	}

	var results []DetectionResult
	for _, def := range contentDetectors {
		text := fullText
		if def.Scope == scopePath {
			text = pathText
		}
		result := def.Detect(text)
		if result.Confidence > 0 && result.Confidence >= def.Floor {
			results = append(results, result)
		}
	}
	return results
}

// combineRequestText flattens the analyzable request fields into one string.
// Header order is irrelevant to every signal, so map iteration order does
// not affect the outcome.
func combineRequestText(req RequestContext) string {
	var sb strings.Builder
	sb.WriteString(req.Path)
	if req.Query != "" {
		sb.WriteByte(' ')
		sb.WriteString(req.Query)
	}
	if req.Body != "" {
		sb.WriteByte(' ')
		sb.WriteString(req.Body)
	}
	for _, value := range req.Headers {
		sb.WriteByte(' ')
		sb.WriteString(value)
	}
	return sb.String()
}
