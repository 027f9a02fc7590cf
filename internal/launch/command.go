package launch

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/0x4D31/venvrun/internal/config"
	"github.com/0x4D31/venvrun/internal/venv"
)

// ErrCommandNotFound is returned when the server executable cannot be found
// in the activated environment.
var ErrCommandNotFound = errors.New("server command not found")

// Invocation is a fully resolved server command line.
type Invocation struct {
	// Path is the resolved executable.
	Path string `json:"path"`
	// Args follow the executable.
	Args []string `json:"args"`
	// Dir is the working directory; empty means the launcher's.
	Dir string `json:"dir,omitempty"`
	// Env is the complete child environment.
	Env []string `json:"-"`
}

// Argv returns the executable followed by its arguments.
func (i Invocation) Argv() []string {
	return append([]string{i.Path}, i.Args...)
}

func (i Invocation) String() string {
	return strings.Join(i.Argv(), " ")
}

// Equal reports whether i and o would start the same process.
func (i Invocation) Equal(o Invocation) bool {
	return i.Path == o.Path && i.Dir == o.Dir && slices.Equal(i.Args, o.Args) && slices.Equal(i.Env, o.Env)
}

// BuildArgs returns the server arguments for s:
// `<app> [--reload] --host <host> --port <port> [args...]`.
func BuildArgs(s *config.ServerConfig, reload bool) []string {
	args := []string{s.App}
	if reload {
		args = append(args, "--reload")
	}
	args = append(args, "--host", s.Host, "--port", strconv.Itoa(s.Port))
	return append(args, s.Args...)
}

// Resolve builds the invocation for cfg inside the activated environment.
// server.env entries are added to env before it is captured.
func Resolve(cfg *config.Config, env *venv.Env) (Invocation, error) {
	s := cfg.Server
	for k, v := range s.Env {
		env.Set(k, v)
	}
	path, err := env.LookPath(s.Command)
	if err != nil {
		return Invocation{}, fmt.Errorf("%w: %s (venv %s): %v", ErrCommandNotFound, s.Command, env.Dir, err)
	}
	return Invocation{
		Path: path,
		Args: BuildArgs(s, cfg.ReloadFlag()),
		Dir:  s.Workdir,
		Env:  env.Environ(),
	}, nil
}
