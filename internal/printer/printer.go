package printer

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// named maps the color names accepted in personality themes.
var named = map[string]*color.Color{
	"red":     color.New(color.FgRed),
	"green":   color.New(color.FgGreen),
	"yellow":  color.New(color.FgYellow),
	"blue":    color.New(color.FgBlue),
	"magenta": color.New(color.FgMagenta),
	"cyan":    color.New(color.FgCyan),
	"white":   color.New(color.FgWhite),
}

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		green.Printf("✓ %s", msg)
	} else {
		green.Print(msg)
	}
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a warning message in yellow with a warning emoji prefix
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		yellow.Printf("⚠️  %s", msg)
	} else {
		yellow.Print(msg)
	}
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Colorize renders text in the named color. Unknown names leave text as is.
func Colorize(name, text string) string {
	c, ok := named[name]
	if !ok {
		return text
	}
	return c.Sprint(text)
}

// Faint renders secondary text such as timestamps.
func Faint(text string) string {
	return faint.Sprint(text)
}

// Error creates a formatted error message with title, explanation, and suggestions
// Prints the formatted error to stderr with colors and returns a simple error for Cobra
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext creates a formatted error with context details printed in
// key order. Returns a simple error for Cobra carrying only the title.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(os.Stderr, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for key := range context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fmt.Fprintf(os.Stderr, "\n")
		for _, key := range keys {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", key, context[key])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(os.Stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(os.Stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(os.Stderr, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Return simple error for Cobra (won't be printed due to SilenceErrors)
	return fmt.Errorf("%s", title)
}

// Explain describes a workshop error for the terminal: a title, an
// explanation and what the user can do about it.
func Explain(err error) (title, explanation string, suggestions []string) {
	var re *workshop.RequestError
	var te *workshop.TransportError
	var to *workshop.TimeoutError
	var ve *workshop.ValidationError

	switch {
	case errors.As(err, &ve):
		return "Operation rejected", ve.Error(), nil
	case errors.As(err, &to):
		return "Activity timed out", to.Error(), []string{"Retry the action; partial results already streamed are kept"}
	case errors.As(err, &re) && re.Status == http.StatusNotFound:
		return "Workshop not found", err.Error(), []string{"Check the workshop id", "Check backend.url in atelier.yml"}
	case errors.As(err, &re) && re.Status == 0:
		return "Backend unreachable", err.Error(), []string{"Check that the workshop backend is running", "Check backend.url in atelier.yml"}
	case errors.As(err, &re):
		return "Request failed", err.Error(), nil
	case errors.As(err, &te):
		return "Event stream failed", err.Error(), []string{"The stream reconnects automatically; run 'atelier status' to see the last known state"}
	default:
		return "Command failed", err.Error(), nil
	}
}

// FromError prints err with Explain and returns the simple error for Cobra.
func FromError(err error) error {
	title, explanation, suggestions := Explain(err)
	return Error(title, explanation, suggestions)
}

// Println prints a plain message (for output that doesn't need coloring)
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints a plain formatted message (for output that doesn't need coloring)
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}
