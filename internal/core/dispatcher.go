package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	copiesPlaceholder = "{copies}"
	filePlaceholder   = "{file}"
	defaultWaitDelay  = 2 * time.Second
)

// DefaultCommand prints through CUPS.
var DefaultCommand = []string{"lp", "-n", copiesPlaceholder, filePlaceholder}

// Dispatcher hands one stored file to the print mechanism. Copies is passed
// through as a single parameter of a single invocation.
type Dispatcher interface {
	Dispatch(ctx context.Context, h Handle, copies int) (Ack, error)
}

// CommandDispatcher runs an external command built from an argv template.
type CommandDispatcher struct {
	argv       []string
	takeCopies bool
	waitDelay  time.Duration
	logger     *zap.Logger
}

func NewCommandDispatcher(argv []string, logger *zap.Logger) *CommandDispatcher {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &CommandDispatcher{
		argv:      append([]string(nil), argv...),
		waitDelay: defaultWaitDelay,
		logger:    logger,
	}

	hasFile := false
	for _, arg := range d.argv {
		if strings.Contains(arg, copiesPlaceholder) {
			d.takeCopies = true
		}
		if strings.Contains(arg, filePlaceholder) {
			hasFile = true
		}
	}
	if !hasFile {
		d.argv = append(d.argv, filePlaceholder)
	}
	return d
}

func (d *CommandDispatcher) Dispatch(ctx context.Context, h Handle, copies int) (Ack, error) {
	if copies < 1 {
		return Ack{}, ErrInvalidCopies
	}
	if copies > 1 && !d.takeCopies {
		return Ack{}, NewDispatchError(DispatchCapability,
			fmt.Sprintf("print command cannot print %d copies", copies), nil)
	}

	f, err := os.Open(h.Path)
	if err != nil {
		return Ack{}, NewDispatchError(DispatchFileUnreadable, "cannot read the file to print", err)
	}
	f.Close()

	args := d.expand(h.Path, copies)
	bin, err := exec.LookPath(args[0])
	if err != nil {
		return Ack{}, NewDispatchError(DispatchMechanismAbsent,
			fmt.Sprintf("print command %q not found", args[0]), err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = d.waitDelay

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	d.logger.Debug("print command finished",
		zap.Strings("argv", args),
		zap.Duration("duration", elapsed),
		zap.Error(err),
	)

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
		return Ack{}, NewDispatchError(DispatchTimeout, "print command timed out", ctxErr)
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return Ack{}, NewDispatchError(DispatchFailed, detail, err)
	}

	return Ack{Output: strings.TrimSpace(stdout.String()), Duration: elapsed}, nil
}

func (d *CommandDispatcher) expand(path string, copies int) []string {
	n := strconv.Itoa(copies)
	args := make([]string, len(d.argv))
	for i, arg := range d.argv {
		arg = strings.ReplaceAll(arg, copiesPlaceholder, n)
		args[i] = strings.ReplaceAll(arg, filePlaceholder, path)
	}
	return args
}
