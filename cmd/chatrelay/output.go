package main

import (
	"encoding/json"
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
	colorDim    = "\033[2m"
)

// statusWidth aligns the values printed by `chatrelay status`.
const statusWidth = len("Cache version:")

// stderr receives every diagnostic line. The root command points it at
// cmd.ErrOrStderr() so tests can capture it.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// mark prints one prefixed diagnostic line.
func mark(color, symbol, format string, args []any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(color, symbol+" "+msg))
}

func printSuccess(format string, args ...any) { mark(colorGreen, "✓", format, args) }

func printError(format string, args ...any) { mark(colorRed, "✗", format, args) }

func printWarning(format string, args ...any) { mark(colorYellow, "⚠", format, args) }

// printHint prints an indented follow-up to the previous line.
func printHint(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, "  "+colorize(colorDim, msg))
}

func printStatus(label string, format string, args ...any) {
	l := fmt.Sprintf("%-*s", statusWidth, label+":")
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, l), val)
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
