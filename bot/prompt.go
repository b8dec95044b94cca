package bot

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// Prompter blocks until the user finished a manual step in the browser.
type Prompter interface {
	Confirm(ctx context.Context, message string) error
}

// ConsolePrompter waits for a line on its input.
type ConsolePrompter struct {
	lines <-chan struct{}
	out   io.Writer
}

// NewConsolePrompter reads confirmations from in and writes prompts to out.
func NewConsolePrompter(in io.Reader, out io.Writer) *ConsolePrompter {
	lines := make(chan struct{})
	go func() {
		defer close(lines)
		r := bufio.NewReader(in)
		for {
			line, err := r.ReadString('\n')
			if err == nil || line != "" {
				lines <- struct{}{}
			}
			if err != nil {
				return
			}
		}
	}()
	return &ConsolePrompter{lines: lines, out: out}
}

// Confirm prints message and waits for ENTER or ctx. It returns io.EOF once
// the input is exhausted.
func (p *ConsolePrompter) Confirm(ctx context.Context, message string) error {
	if _, err := fmt.Fprintln(p.out, message); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}
	select {
	case _, ok := <-p.lines:
		if !ok {
			return io.EOF
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
