// Package validate screens fetched prompt content before it is cached.
//
// Validation never fails the resolution pipeline: a rejected file simply
// produces a Result with Valid=false and the fallback chain moves on.
// Rejections that look hostile (script injection, embedded code execution,
// path traversal) carry SecurityFlag and are logged distinctly from benign
// ones like oversize files.
package validate

import (
	"strings"
	"unicode/utf8"

	"github.com/teranos/grimoire/logger"
)

// MaxContentBytes is the size cap for a single prompt file.
// Oversize content is a benign rejection, not a security event.
const MaxContentBytes = 50 * 1024

// Result is the outcome of validating one piece of content
type Result struct {
	// Valid is true when the content may be cached and served
	Valid bool
	// Reason is a short human-readable rejection cause, empty when Valid
	Reason string
	// SecurityFlag marks rejections caused by hostile-looking content
	SecurityFlag bool
}

// denylist entries are matched case-insensitively against the full content.
// Each carries the label used in logs so operators can aggregate by kind.
var denylist = []struct {
	needle string
	label  string
}{
	// Script injection
	{"<script", "script_injection"},
	{"javascript:", "script_injection"},
	{"vbscript:", "script_injection"},

	// Code execution
	{"eval(", "code_execution"},
	{"exec(", "code_execution"},
	{"system(", "code_execution"},
	{"popen(", "code_execution"},
	{"__import__(", "code_execution"},

	// Path traversal
	{"../", "path_traversal"},
	{"..\\", "path_traversal"},
}

// Content validates a fetched prompt file. It never returns an error;
// every outcome is expressed in the Result.
func Content(content, path string) Result {
	if len(content) > MaxContentBytes {
		return reject(path, "content exceeds size limit", false)
	}

	if !utf8.ValidString(content) {
		return reject(path, "content is not valid UTF-8", false)
	}

	if strings.ContainsRune(content, 0) {
		return reject(path, "content contains NUL bytes", false)
	}

	if strings.TrimSpace(content) == "" {
		return reject(path, "content is empty", false)
	}

	lowered := strings.ToLower(content)
	for _, entry := range denylist {
		if strings.Contains(lowered, entry.needle) {
			return reject(path, "denylisted pattern: "+entry.label, true)
		}
	}

	return Result{Valid: true}
}

// ControlFile validates a fetched control-plane file (routing table, repo
// manifest, schema marker). These carry structural checks only: their
// parsers own the semantic rules, and a routing file may legitimately
// mention patterns the prompt denylist screens for.
func ControlFile(content, path string) Result {
	if len(content) > MaxContentBytes {
		return reject(path, "content exceeds size limit", false)
	}

	if !utf8.ValidString(content) {
		return reject(path, "content is not valid UTF-8", false)
	}

	if strings.ContainsRune(content, 0) {
		return reject(path, "content contains NUL bytes", false)
	}

	if strings.TrimSpace(content) == "" {
		return reject(path, "content is empty", false)
	}

	return Result{Valid: true}
}

// reject builds the failure Result and logs it. Security rejections go
// through the guard symbol at WARN; benign ones stay at DEBUG.
func reject(path, reason string, security bool) Result {
	if security {
		logger.GuardWarnw("Rejected prompt content",
			logger.FieldPath, path,
			logger.FieldReason, reason,
			logger.FieldSecurity, true)
	} else {
		logger.Debugw("Rejected prompt content",
			logger.FieldPath, path,
			logger.FieldReason, reason)
	}

	return Result{
		Valid:        false,
		Reason:       reason,
		SecurityFlag: security,
	}
}
