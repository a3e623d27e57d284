package oracle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Pre-compiled patterns. Compiling on every parse is an order of magnitude
// slower than reusing these.
var (
	// Code fences, with optional language tag and optional newlines
	codeFenceStartRegex = regexp.MustCompile(`(?s)^` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}\s*$`)
	codeFenceAnyRegex   = regexp.MustCompile(`(?s)` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}`)

	// Cleanup patterns for the quirks models produce
	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	// Extraction patterns, greedy so nested structures survive
	objectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	arrayRegex  = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// ParseResult is the outcome of one parse, result-style so callers never
// juggle a (value, error) pair with a partially filled value.
type ParseResult[T any] struct {
	Success      bool
	Data         T
	Error        string
	OriginalText string
}

// ParseOptions configures parsing.
type ParseOptions struct {
	Context      string // Prefix for error messages and log lines
	LogErrors    bool   // Log failed strategies at debug level
	MaxInputSize int    // Input byte cap (0 = default 1MB)
}

const defaultMaxInputSize = 1024 * 1024

// Parse extracts a JSON value of type T from model output, tolerating the
// common formatting quirks: code fences, trailing commas, comments,
// unquoted keys, and JSON embedded in prose.
//
// Attempts, in order:
//  1. Direct parse
//  2. Strip code fences
//  3. Repair trailing commas, comments, unquoted keys
//  4. Extract the first JSON object or array from mixed content
func Parse[T any](text string, opts ParseOptions) ParseResult[T] {
	maxSize := opts.MaxInputSize
	if maxSize == 0 {
		maxSize = defaultMaxInputSize
	}
	if len(text) > maxSize {
		return parseFailure[T](fmt.Sprintf("input exceeds size limit (%d > %d bytes)", len(text), maxSize), truncate(text, 1000), opts.Context)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseFailure[T]("empty input", text, opts.Context)
	}

	// Strategy 1: direct parse
	if result, err := tryParse[T](trimmed); err == nil {
		return ParseResult[T]{Success: true, Data: result, OriginalText: text}
	} else if opts.LogErrors {
		slog.Debug("direct JSON parse failed, trying cleanup strategies",
			"error", err.Error(),
			"preview", truncate(text, 100),
			"context", opts.Context)
	}

	// Strategy 2: strip code fences
	withoutFences := stripCodeFences(trimmed)
	if withoutFences != trimmed {
		if result, err := tryParse[T](withoutFences); err == nil {
			return ParseResult[T]{Success: true, Data: result, OriginalText: text}
		}
	}

	// Strategy 3: repair common defects
	repaired := repairJSON(withoutFences)
	if result, err := tryParse[T](repaired); err == nil {
		return ParseResult[T]{Success: true, Data: result, OriginalText: text}
	}

	// Strategy 4: extract JSON from surrounding prose. Work from the
	// repaired text so fences inside prose do not survive extraction.
	if extracted := extractJSON(repaired); extracted != "" {
		if result, err := tryParse[T](extracted); err == nil {
			return ParseResult[T]{Success: true, Data: result, OriginalText: text}
		}
	}

	return parseFailure[T]("all JSON parsing strategies failed", text, opts.Context)
}

// ParseOrDefault parses and substitutes fallback when every strategy fails.
func ParseOrDefault[T any](text string, fallback T, opts ParseOptions) T {
	result := Parse[T](text, opts)
	if result.Success {
		return result.Data
	}
	if opts.LogErrors {
		slog.Debug("model output parse failed, using fallback",
			"error", result.Error,
			"preview", truncate(text, 100),
			"context", opts.Context)
	}
	return fallback
}

func tryParse[T any](text string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(text), &result)
	return result, err
}

// stripCodeFences removes markdown code fences. Fences wrapping the whole
// text are preferred; otherwise the first fenced block anywhere wins.
func stripCodeFences(text string) string {
	cleaned := codeFenceStartRegex.ReplaceAllString(text, "$1")
	if cleaned == text {
		cleaned = codeFenceAnyRegex.ReplaceAllString(text, "$1")
	}

	// Single backticks around the whole payload
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.TrimSuffix(strings.TrimPrefix(cleaned, "`"), "`")
	}

	return strings.TrimSpace(cleaned)
}

// repairJSON fixes trailing commas, comments, and unquoted keys. Single
// quotes are left alone: rewriting them would corrupt valid JSON that
// contains apostrophes.
func repairJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = trailingCommaRegex.ReplaceAllString(cleaned, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// extractJSON pulls the outermost JSON object or array out of mixed
// content. The first-character check keeps an object match from eating
// the interior of an array.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '[':
			if match := arrayRegex.FindString(text); match != "" {
				return match
			}
		case '{':
			if match := objectRegex.FindString(text); match != "" {
				return match
			}
		}
	}

	if match := objectRegex.FindString(text); match != "" {
		return match
	}
	if match := arrayRegex.FindString(text); match != "" {
		return match
	}
	return ""
}

func parseFailure[T any](message, text, context string) ParseResult[T] {
	var zero T
	if context != "" {
		message = context + ": " + message
	}
	return ParseResult[T]{
		Success:      false,
		Data:         zero,
		Error:        message,
		OriginalText: text,
	}
}

// truncate shortens s to maxLen characters for log lines.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
