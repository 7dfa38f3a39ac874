package policy

import (
	"encoding/json"
	"testing"
)

func TestCommandWrites(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    bool
	}{
		{"plain read", "ls -la /tmp", false},
		{"pipe without writes", "cat notes.txt | grep todo | wc -l", false},
		{"redirect", "echo hi > /tmp/test.txt", true},
		{"redirect attached", "echo hi >/tmp/test.txt", true},
		{"append", "echo hi >> log.txt", true},
		{"stderr redirect", "make 2>errors.log", true},
		{"tee", "cat config | tee backup.yaml", true},
		{"rm", "rm -rf build/", true},
		{"rm with path", "/bin/rm stale.lock", true},
		{"rm as argument", "echo rm", false},
		{"sed in place", "sed -i 's/a/b/' file.txt", true},
		{"sed in place with suffix", "sed -i.bak 's/a/b/' file.txt", true},
		{"sed streaming", "sed 's/a/b/' file.txt", false},
		{"sed then in-place later segment", "cat x | sed 's/a/b/' && sed -i 's/c/d/' y", true},
		{"quoted redirect", `echo "a > b"`, false},
		{"single quoted rm", "echo 'rm -rf /'", false},
		{"write after and", "git status && rm lock", true},
		{"write after semicolon", "ls; tee out", true},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CommandWrites(tt.command); got != tt.want {
				t.Errorf("CommandWrites(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestReclassifyShell(t *testing.T) {
	writeInput, _ := json.Marshal(map[string]string{"command": "echo hi > out.txt"})
	readInput, _ := json.Marshal(map[string]string{"command": "echo hi"})

	tests := []struct {
		name       string
		capability string
		input      json.RawMessage
		want       string
	}{
		{"write command reclassified", CapabilityShellExec, writeInput, CapabilityShellWrite},
		{"read command unchanged", CapabilityShellExec, readInput, CapabilityShellExec},
		{"non-shell capability untouched", "fs.read", writeInput, "fs.read"},
		{"nil input", CapabilityShellExec, nil, CapabilityShellExec},
		{"malformed input", CapabilityShellExec, json.RawMessage(`{"command":`), CapabilityShellExec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReclassifyShell(tt.capability, tt.input); got != tt.want {
				t.Errorf("ReclassifyShell(%q) = %q, want %q", tt.capability, got, tt.want)
			}
		})
	}
}
