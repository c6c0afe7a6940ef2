// Package output renders drctl results for terminals and scripts
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ColorMode represents the --color flag
type ColorMode int

const (
	// ColorAuto follows NO_COLOR, TERM and output.colors
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// PrinterOptions configures a Printer
type PrinterOptions struct {
	ColorMode    ColorMode
	ConfigColors bool // output.colors from .drctl.yaml
	Quiet        bool
	Out          io.Writer
	Err          io.Writer
}

// Printer writes human readable messages to out and diagnostics to err.
// It is safe for concurrent use.
type Printer struct {
	out       io.Writer
	err       io.Writer
	useColors bool
	quiet     bool
}

// level describes how one message kind is rendered
type level struct {
	tag    string // plain prefix, e.g. "[OK] "
	symbol string // colored prefix, e.g. "✓ "
	color  color.Attribute
	stderr bool
	always bool // printed even in quiet mode
}

var (
	levelInfo    = level{color: color.FgCyan}
	levelSuccess = level{tag: "[OK] ", symbol: "✓ ", color: color.FgGreen}
	levelWarning = level{tag: "[WARN] ", symbol: "⚠ ", color: color.FgYellow, stderr: true}
	levelError   = level{tag: "[ERROR] ", symbol: "✗ ", color: color.FgRed, stderr: true, always: true}
)

// ParseColorMode parses the --color flag value
func ParseColorMode(s string) (ColorMode, error) {
	switch s {
	case "auto":
		return ColorAuto, nil
	case "always":
		return ColorAlways, nil
	case "never":
		return ColorNever, nil
	}
	return ColorAuto, fmt.Errorf("invalid color mode %q: must be auto, always, or never", s)
}

// ResolveColors decides whether to emit ANSI colors
func ResolveColors(mode ColorMode, configColors bool) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok || os.Getenv("TERM") == "dumb" {
		return false
	}
	return configColors
}

// NewPrinterWithOptions creates a printer; nil writers default to stdout and stderr
func NewPrinterWithOptions(opts PrinterOptions) *Printer {
	out, errOut := opts.Out, opts.Err
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	// watch reports state changes from several goroutines
	mu := &sync.Mutex{}
	return &Printer{
		out:       &lockedWriter{mu: mu, w: out},
		err:       &lockedWriter{mu: mu, w: errOut},
		useColors: ResolveColors(opts.ColorMode, opts.ConfigColors),
		quiet:     opts.Quiet,
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(b)
}

func (p *Printer) emit(lv level, format string, args ...any) {
	if p.quiet && !lv.always {
		return
	}
	w := p.out
	if lv.stderr {
		w = p.err
	}
	if p.useColors {
		color.New(lv.color).Fprintf(w, lv.symbol+format+"\n", args...)
		return
	}
	fmt.Fprintf(w, lv.tag+format+"\n", args...)
}

// Info prints an informational message
func (p *Printer) Info(format string, args ...any) { p.emit(levelInfo, format, args...) }

// Success prints a success message
func (p *Printer) Success(format string, args ...any) { p.emit(levelSuccess, format, args...) }

// Warning prints a warning to stderr
func (p *Printer) Warning(format string, args ...any) { p.emit(levelWarning, format, args...) }

// Error prints an error to stderr, even in quiet mode
func (p *Printer) Error(format string, args ...any) { p.emit(levelError, format, args...) }

// Print prints an undecorated line
func (p *Printer) Print(format string, args ...any) {
	if !p.quiet {
		fmt.Fprintf(p.out, format+"\n", args...)
	}
}

// Header prints an underlined section title
func (p *Printer) Header(title string) {
	if p.quiet {
		return
	}
	if !p.useColors {
		fmt.Fprintf(p.out, "\n%s\n%s\n", title, strings.Repeat("-", len(title)))
		return
	}
	color.New(color.FgWhite, color.Bold).Fprintf(p.out, "\n%s\n", title)
	fmt.Fprintln(p.out, strings.Repeat("─", len(title)))
}

// JSON writes v as indented JSON to stdout; --json output ignores quiet mode
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// StatusBadge renders a session status such as "authenticated"
func (p *Printer) StatusBadge(status string) string {
	if !p.useColors {
		return "[" + status + "]"
	}
	switch status {
	case "authenticated":
		return color.GreenString("● %s", status)
	case "unauthenticated":
		return color.RedString("● %s", status)
	}
	return color.WhiteString("○ %s", status)
}
