package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// Results go to stdout so they can be piped; progress and diagnostics go
// to stderr.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(w io.Writer, color, prefix, format string, args ...any) {
	fmt.Fprintln(w, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(stderr, colorGreen, "✓ ", format, args...) }
func printError(format string, args ...any)   { printLine(stderr, colorRed, "✗ ", format, args...) }
func printWarning(format string, args ...any) { printLine(stderr, colorYellow, "⚠ ", format, args...) }
func printStep(format string, args ...any)    { printLine(stderr, colorCyan, "→ ", format, args...) }

// printStatus writes an aligned "label: value" result line.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stdout, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
