package policy

import (
	"encoding/json"
	"strings"
)

// Capability names used by the built-in tools.
const (
	CapabilityShellExec  = "shell.exec"
	CapabilityShellWrite = "shell.write"
)

// writeCommands are command words that mutate the filesystem. This is a
// fixed table; argument-level heuristics are deliberately out of scope.
var writeCommands = map[string]bool{
	"tee": true,
	"rm":  true,
}

// ReclassifyShell maps shell.exec to shell.write when the command contains a
// write primitive: output redirection, tee, rm, or sed -i. Other capabilities
// pass through unchanged.
func ReclassifyShell(capability string, input json.RawMessage) string {
	if normalizeCapability(capability) != CapabilityShellExec || len(input) == 0 {
		return capability
	}
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Command == "" {
		return capability
	}
	if CommandWrites(args.Command) {
		return CapabilityShellWrite
	}
	return capability
}

// CommandWrites reports whether a shell command line contains a write
// primitive. Quoted text is ignored, so `echo "a > b"` stays a plain exec.
func CommandWrites(command string) bool {
	tokens := shellTokens(command)
	atCommand := true
	for i, tok := range tokens {
		switch {
		case strings.ContainsAny(tok, ">"):
			return true
		case isBoundary(tok):
			atCommand = true
			continue
		case atCommand && writeCommands[baseName(tok)]:
			return true
		case atCommand && baseName(tok) == "sed":
			if hasInPlaceFlag(tokens[i+1:]) {
				return true
			}
		}
		atCommand = false
	}
	return false
}

func isBoundary(tok string) bool {
	switch tok {
	case "|", "||", "&", "&&", ";":
		return true
	}
	return false
}

func baseName(tok string) string {
	if i := strings.LastIndexByte(tok, '/'); i >= 0 {
		return tok[i+1:]
	}
	return tok
}

// hasInPlaceFlag scans sed arguments up to the next pipeline boundary.
func hasInPlaceFlag(args []string) bool {
	for _, a := range args {
		if isBoundary(a) {
			return false
		}
		if a == "-i" || strings.HasPrefix(a, "-i.") || strings.HasPrefix(a, "--in-place") {
			return true
		}
	}
	return false
}

// shellTokens splits a command line on whitespace while dropping single- and
// double-quoted regions, and separates pipeline operators into their own
// tokens. It is a classifier aid, not a full shell parser.
func shellTokens(command string) []string {
	var tokens []string
	var buf strings.Builder
	var quote rune

	flush := func() {
		if buf.Len() > 0 {
			tokens = append(tokens, buf.String())
			buf.Reset()
		}
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case ' ', '\t', '\n':
			flush()
		case '|', '&', ';':
			flush()
			op := string(c)
			if i+1 < len(runes) && runes[i+1] == c && (c == '|' || c == '&') {
				op += string(c)
				i++
			}
			tokens = append(tokens, op)
		default:
			buf.WriteRune(c)
		}
	}
	flush()
	return tokens
}
