package device

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
)

// ErrNoCommand is returned when a capability has no command configured
var ErrNoCommand = errors.New("device: no command configured")

// process is a long-running child (recorder, stream encoder)
type process interface {
	Wait() error
	Signal(sig os.Signal) error
}

type spawner func(args []string) (process, error)

// runner executes a short command and returns its combined output
type runner func(ctx context.Context, args []string) ([]byte, error)

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error                { return p.cmd.Wait() }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func spawnExec(args []string) (process, error) {
	if len(args) == 0 {
		return nil, ErrNoCommand
	}
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func runExec(ctx context.Context, args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, ErrNoCommand
	}
	return exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
}

// expand substitutes {name} placeholders in every argument
func expand(template []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	args := make([]string, len(template))
	for i, arg := range template {
		args[i] = r.Replace(arg)
	}
	return args
}
