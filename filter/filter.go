package filter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Command is one external program in a pipeline.
type Command struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Command}, c.Args...), " ")
}

// CheckAndSetDefaults validates c and returns a copy of it.
func (c *Command) CheckAndSetDefaults() (Command, error) {
	if strings.TrimSpace(c.Command) == "" {
		return Command{}, errors.New("a filter must include a command")
	}
	return *c, nil
}

// Error reports a command in the pipeline that failed.
type Error struct {
	Command Command
	Err     error
	// Stderr is whatever the command wrote to standard error.
	Stderr string
}

func (e *Error) Error() string {
	s := fmt.Sprintf("filter %q failed: %v", e.Command.String(), e.Err)
	if e.Stderr != "" {
		s += ": " + e.Stderr
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Run pipes in through cmds, connecting the standard output of each command
// to the standard input of the next one, and returns the standard output of
// the last command. The commands run concurrently. If any of them fails the
// others are killed and Run returns the first failure. With no commands, in
// is returned unchanged.
func Run(ctx context.Context, cmds []Command, in []byte) ([]byte, error) {
	if len(cmds) == 0 {
		return in, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	var out bytes.Buffer
	var stdin io.Reader = bytes.NewReader(in)

	for i, c := range cmds {
		cmd := exec.CommandContext(gctx, c.Command, c.Args...)
		cmd.Stdin = stdin

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		// Closing the reader side once the command is done unblocks the
		// command before it.
		var pw *io.PipeWriter
		closeIn := func() {}
		if r, ok := stdin.(*io.PipeReader); ok {
			closeIn = func() { r.Close() }
		}
		if i == len(cmds)-1 {
			cmd.Stdout = &out
		} else {
			var pr *io.PipeReader
			pr, pw = io.Pipe()
			cmd.Stdout = pw
			stdin = pr
		}

		c := c
		g.Go(func() error {
			err := cmd.Run()
			closeIn()
			if pw != nil {
				pw.CloseWithError(err)
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &Error{
					Command: c,
					Err:     err,
					Stderr:  strings.TrimSpace(stderr.String()),
				}
			}
			log.Debug().Str("filter", c.String()).Msg("filter finished")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
