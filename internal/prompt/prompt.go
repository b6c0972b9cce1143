// Package prompt implements the operator interaction of a deploy run: the
// numbered target menu and the confirmation gate before any transfer.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/thiago95macedo/webhost/internal/registry"
)

var (
	// ErrAborted indicates the operator chose to exit or declined to continue
	ErrAborted = errors.New("aborted by operator")
	// ErrInvalidChoice indicates a menu answer that names no active target
	ErrInvalidChoice = errors.New("invalid choice")
)

// Asker asks the operator one question and blocks for the answer
type Asker interface {
	Ask(question string) (string, error)
}

// Terminal asks on an output stream and reads one line per answer
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminal creates a Terminal reading answers from in
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

// Ask prints question and returns the trimmed answer line. End of input
// counts as an empty answer.
func (t *Terminal) Ask(question string) (string, error) {
	if _, err := fmt.Fprint(t.out, question); err != nil {
		return "", err
	}
	line, err := t.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// AutoConfirm answers every question with a fixed reply. It stands in for the
// operator in unattended runs.
type AutoConfirm struct {
	Answer string
}

func (a AutoConfirm) Ask(string) (string, error) {
	if a.Answer == "" {
		return "yes", nil
	}
	return a.Answer, nil
}

// IsAffirmative accepts y, yes, s and sim in any case
func IsAffirmative(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "s", "sim":
		return true
	}
	return false
}

// Confirm asks question and reports whether the answer was affirmative
func Confirm(a Asker, question string) (bool, error) {
	answer, err := a.Ask(question)
	if err != nil {
		return false, err
	}
	return IsAffirmative(answer), nil
}

// SelectTarget prints every target numbered in registry order and asks for
// one. Only active targets can be chosen; "0" aborts the run.
func SelectTarget(a Asker, out io.Writer, targets []registry.Target) (registry.Target, error) {
	active := color.New(color.FgGreen).Sprint("●")
	inactive := color.New(color.FgRed).Sprint("○")

	fmt.Fprintln(out, "Available clients:")
	for i, t := range targets {
		marker := inactive
		if t.Active() {
			marker = active
		}
		fmt.Fprintf(out, "%d. %s %s (%s) - %s\n", i+1, marker, t.Name, t.Domain, t.Protocol)
	}
	fmt.Fprintln(out, "\n0. Exit")

	answer, err := a.Ask(fmt.Sprintf("\nSelect a client (0-%d): ", len(targets)))
	if err != nil {
		return registry.Target{}, err
	}
	if answer == "0" {
		return registry.Target{}, ErrAborted
	}

	n, err := strconv.Atoi(answer)
	if err != nil || n < 1 || n > len(targets) || !targets[n-1].Active() {
		return registry.Target{}, fmt.Errorf("%w: %q", ErrInvalidChoice, answer)
	}
	return targets[n-1], nil
}

// IsInteractive reports whether f is attached to a terminal
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
