package output

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func newTestPrinter(quiet bool) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	p := NewPrinterWithOptions(PrinterOptions{
		ColorMode: ColorNever,
		Quiet:     quiet,
		Out:       &stdout,
		Err:       &stderr,
	})
	return p, &stdout, &stderr
}

func TestParseColorMode(t *testing.T) {
	tests := []struct {
		input string
		want  ColorMode
	}{
		{"auto", ColorAuto},
		{"always", ColorAlways},
		{"never", ColorNever},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseColorMode(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseColorMode(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}

	if _, err := ParseColorMode("rainbow"); err == nil {
		t.Error("expected error for invalid color mode, got nil")
	}
}

func TestResolveColors(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if !ResolveColors(ColorAlways, false) {
		t.Error("ColorAlways should win over NO_COLOR")
	}
	if ResolveColors(ColorAuto, true) {
		t.Error("NO_COLOR should disable colors in auto mode")
	}

	os.Unsetenv("NO_COLOR")
	t.Setenv("TERM", "dumb")
	if ResolveColors(ColorAuto, true) {
		t.Error("TERM=dumb should disable colors in auto mode")
	}

	t.Setenv("TERM", "xterm-256color")
	if !ResolveColors(ColorAuto, true) {
		t.Error("auto mode should follow the config value")
	}
	if ResolveColors(ColorNever, true) {
		t.Error("ColorNever should disable colors")
	}
}

func TestPrinter_PlainOutput(t *testing.T) {
	p, stdout, stderr := newTestPrinter(false)

	p.Success("Logged in as %s", "ann@example.com")
	p.Info("checking session")
	p.Warning("token expires soon")
	p.Error("request failed")
	p.Header("Session")

	out := stdout.String()
	for _, want := range []string{"[OK] Logged in as ann@example.com", "checking session", "Session\n-------"} {
		if !strings.Contains(out, want) {
			t.Errorf("stdout missing %q:\n%s", want, out)
		}
	}
	errOut := stderr.String()
	for _, want := range []string{"[WARN] token expires soon", "[ERROR] request failed"} {
		if !strings.Contains(errOut, want) {
			t.Errorf("stderr missing %q:\n%s", want, errOut)
		}
	}
}

func TestPrinter_QuietSuppressesAllButErrors(t *testing.T) {
	p, stdout, stderr := newTestPrinter(true)

	p.Success("done")
	p.Info("info")
	p.Print("plain")
	p.Warning("warn")
	p.Error("boom")

	if stdout.Len() != 0 {
		t.Errorf("expected no stdout in quiet mode, got %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "boom") || strings.Contains(stderr.String(), "warn") {
		t.Errorf("unexpected stderr in quiet mode: %q", stderr.String())
	}
}

func TestPrinter_JSON(t *testing.T) {
	p, stdout, _ := newTestPrinter(true)

	if err := p.JSON(map[string]string{"status": "authenticated"}); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if !strings.Contains(stdout.String(), `"status": "authenticated"`) {
		t.Errorf("unexpected JSON output: %q", stdout.String())
	}
}

func TestPrinter_StatusBadgePlain(t *testing.T) {
	p, _, _ := newTestPrinter(false)
	if got := p.StatusBadge("authenticated"); got != "[authenticated]" {
		t.Errorf("StatusBadge = %q", got)
	}
	if got := p.StatusBadge("unknown"); got != "[unknown]" {
		t.Errorf("StatusBadge = %q", got)
	}
}

func TestPrinter_Table(t *testing.T) {
	p, stdout, _ := newTestPrinter(false)

	table := p.NewTable([]string{"KEY", "VALUE"})
	table.AddRow("status", "authenticated")
	table.AddRow("expires", "4m0s")
	if err := table.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}

	out := stdout.String()
	for _, want := range []string{"KEY", "status", "authenticated", "4m0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}
