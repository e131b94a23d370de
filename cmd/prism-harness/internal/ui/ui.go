// Package ui provides console output for prism-harness
package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jrepp/prism-harness/pkg/deployerr"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// UI writes user-facing output; logs go through slog separately
type UI struct {
	out io.Writer
	err io.Writer
}

// NewUI writes to stdout and stderr
func NewUI() *UI {
	return New(os.Stdout, os.Stderr)
}

// New writes to the given streams
func New(out, err io.Writer) *UI {
	return &UI{out: out, err: err}
}

// Success prints a success message
func (ui *UI) Success(msg string) {
	fmt.Fprintln(ui.out, successStyle.Render("✓ "+msg))
}

// Error prints an error message
func (ui *UI) Error(msg string) {
	fmt.Fprintln(ui.err, errorStyle.Render("✗ "+msg))
}

// Warning prints a warning message
func (ui *UI) Warning(msg string) {
	fmt.Fprintln(ui.out, warningStyle.Render("⚠ "+msg))
}

// Info prints an info message
func (ui *UI) Info(msg string) {
	fmt.Fprintln(ui.out, infoStyle.Render("ℹ "+msg))
}

// Header prints a section header
func (ui *UI) Header(title string) {
	fmt.Fprintln(ui.out, headerStyle.Render(title))
}

// KeyValue prints an indented key-value pair
func (ui *UI) KeyValue(key, value string) {
	fmt.Fprintf(ui.out, "  %s: %s\n", subtleStyle.Render(key), value)
}

// DeploymentError prints a coded failure with its context and suggestion
func (ui *UI) DeploymentError(err error) {
	var derr *deployerr.Error
	if !errors.As(err, &derr) {
		ui.Error(err.Error())
		return
	}

	ui.Error(fmt.Sprintf("%s: %s", derr.Code, derr.Message))
	if derr.Cause != nil {
		ui.errKeyValue("cause", derr.Cause.Error())
	}
	if s := derr.Suggestion; s != "" {
		for _, line := range strings.Split(s, "\n") {
			fmt.Fprintln(ui.err, subtleStyle.Render("  "+line))
		}
	}
}

func (ui *UI) errKeyValue(key, value string) {
	fmt.Fprintf(ui.err, "  %s: %s\n", subtleStyle.Render(key), value)
}
