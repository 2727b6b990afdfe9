// Package millennium authenticates patrons against a legacy ILS that exposes
// two pseudo-endpoints over plain HTTP: a pin-test endpoint returning a
// single-line status, and a "dump" endpoint returning a loosely structured
// HTML document encoding key=value pairs one per line. Trust is purely
// positional; the barcode and pin ride in the URL.
package millennium

import (
	"log/slog"
	"strings"
)

// Field codes embedded in dump keys, e.g. "P BARCODE[pb]". The bracketed code
// is stable across Millennium sites; the human-readable label is not.
const (
	codeRecordNumber = "p81"
	codeBarcode      = "pb"
	codeExpiration   = "p43"
	codeMoneyOwed    = "p96"
	codePatronType   = "p47"
	codeHomeLibrary  = "p53"
	codeEmail        = "pz"
	codeName         = "pn"
	codeBlockStatus  = "p56"
	codeUsername     = "pu"
)

// errorKey present anywhere in a dump means "no such patron" and
// short-circuits interpretation.
const errorKey = "ERRMSG"

// dumpEntry is one parsed key=value line.
type dumpEntry struct {
	label string // full key as printed, e.g. "P BARCODE[pb]"
	code  string // bracketed field code, e.g. "pb"
	value string
}

// parseDump splits the dump document into entries. Lines that fail to parse
// are logged and skipped, never fatal: these documents are assembled by a
// decades-old template engine and stray markup is routine.
func parseDump(body string, logger *slog.Logger) []dumpEntry {
	var entries []dumpEntry
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		line = strings.TrimSuffix(line, "<br>")
		line = strings.TrimSuffix(line, "<BR>")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "<") {
			// Surrounding HTML scaffolding.
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			logger.Debug("skipping unparsable dump line", "line", line)
			continue
		}
		entries = append(entries, dumpEntry{
			label: key,
			code:  bracketCode(key),
			value: value,
		})
	}
	return entries
}

// bracketCode extracts the field code from a dump key like "EXP DATE[p43]".
func bracketCode(key string) string {
	open := strings.LastIndexByte(key, '[')
	end := strings.LastIndexByte(key, ']')
	if open < 0 || end <= open {
		return ""
	}
	return key[open+1 : end]
}

// valuesFor collects every value for a field code, preserving dump order.
func valuesFor(entries []dumpEntry, code string) []string {
	var out []string
	for _, e := range entries {
		if e.code == code {
			out = append(out, e.value)
		}
	}
	return out
}

// firstValue returns the first value for a field code, or "".
func firstValue(entries []dumpEntry, code string) (string, bool) {
	for _, e := range entries {
		if e.code == code {
			return e.value, true
		}
	}
	return "", false
}

// hasError reports whether the dump contains the error marker.
func hasError(entries []dumpEntry) bool {
	for _, e := range entries {
		if strings.Contains(e.label, errorKey) {
			return true
		}
	}
	return false
}
