package output

import (
	"fmt"
	"strings"
)

// CommandHints maps command names to related commands users might want to run next
var CommandHints = map[string][]string{
	"login":               {"status", "profile show"},
	"signup":              {"watch --await-verification", "verify-email <key>"},
	"logout":              {"login"},
	"verify-email":        {"login"},
	"resend-verification": {"watch --await-verification", "verify-email <key>"},
	"status":              {"refresh", "profile show"},
	"refresh":             {"status"},
	"profile show":        {"profile update"},
	"profile update":      {"profile show"},
	"password change":     {"logout", "login"},
	"password reset":      {"login"},
	"config":              {"status"},
}

// PrintHints prints "See also" hints for a command. No-op in quiet mode or if command has no hints.
func (p *Printer) PrintHints(command string) {
	if p.quiet {
		return
	}
	hints, ok := CommandHints[command]
	if !ok || len(hints) == 0 {
		return
	}

	cmds := make([]string, len(hints))
	for i, h := range hints {
		cmds[i] = "drctl " + h
	}
	fmt.Fprintf(p.out, "\nSee also: %s\n", strings.Join(cmds, ", "))
}
