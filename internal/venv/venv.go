// Package venv activates Python virtual environments for child processes.
//
// Activation mirrors what the environment's activate script does to an
// interactive shell, but the result is returned as a value instead of being
// applied to the caller's process: VIRTUAL_ENV is set, the environment's
// executable directory is prepended to PATH and PYTHONHOME is removed.
package venv

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	cblog "github.com/charmbracelet/log"
)

// MarkerFile is present at the root of every environment created by venv
// or virtualenv.
const MarkerFile = "pyvenv.cfg"

// Candidates are the directory names tried by Discover, in order.
var Candidates = []string{"venv", ".venv"}

var (
	// ErrNotFound is returned when the environment directory does not exist.
	ErrNotFound = errors.New("virtual environment not found")
	// ErrInvalid is returned when the directory is not a usable environment.
	ErrInvalid = errors.New("invalid virtual environment")
)

// Env is an activated virtual environment.
type Env struct {
	// Dir is the absolute environment root.
	Dir string
	// BinDir holds the environment's executables.
	BinDir string
	// Python is the environment's interpreter.
	Python string

	vars map[string]string
}

// BinDirName returns the executable directory name for the current OS.
func BinDirName() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}

// Discover returns the first candidate environment below dir.
func Discover(dir string) (string, error) {
	for _, name := range Candidates {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(filepath.Join(p, MarkerFile)); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s in %s", ErrNotFound, strings.Join(Candidates, ", "), dir)
}

// Activate checks that dir is a virtual environment and returns its
// activated form. The base environment is taken from os.Environ.
func Activate(dir string) (*Env, error) {
	return ActivateWith(dir, os.Environ())
}

// ActivateWith is Activate with an explicit base environment.
func ActivateWith(dir string, base []string) (*Env, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve venv path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, abs)
		}
		return nil, fmt.Errorf("stat venv: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalid, abs)
	}
	if _, err := os.Stat(filepath.Join(abs, MarkerFile)); err != nil {
		return nil, fmt.Errorf("%w: %s missing %s", ErrInvalid, abs, MarkerFile)
	}
	bin := filepath.Join(abs, BinDirName())
	if info, err := os.Stat(bin); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s missing %s directory", ErrInvalid, abs, BinDirName())
	}
	python, err := findPython(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, abs, err)
	}

	e := &Env{Dir: abs, BinDir: bin, Python: python, vars: parseEnviron(base)}
	e.vars["VIRTUAL_ENV"] = abs
	e.vars["VIRTUAL_ENV_PROMPT"] = filepath.Base(abs)
	delete(e.vars, "PYTHONHOME")
	pathKey := e.pathKey()
	if cur := e.vars[pathKey]; cur != "" {
		e.vars[pathKey] = bin + string(os.PathListSeparator) + cur
	} else {
		e.vars[pathKey] = bin
	}
	cblog.Debugf("activated venv %s (python %s)", abs, python)
	return e, nil
}

func findPython(bin string) (string, error) {
	names := []string{"python", "python3"}
	if runtime.GOOS == "windows" {
		names = []string{"python.exe"}
	}
	for _, n := range names {
		p := filepath.Join(bin, n)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python interpreter in %s", bin)
}

// Set adds or replaces a variable in the activated environment.
func (e *Env) Set(key, value string) {
	e.vars[key] = value
}

// Get returns the value of key in the activated environment.
func (e *Env) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Environ returns the environment in os/exec form, sorted by key.
func (e *Env) Environ() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}

// LookPath resolves name the way the activated shell would: the
// environment's bin directory first, then the activated PATH.
func (e *Env) LookPath(name string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) || strings.Contains(name, "/") {
		if err := executable(name); err != nil {
			return "", err
		}
		return name, nil
	}
	for _, dir := range filepath.SplitList(e.vars[e.pathKey()]) {
		if dir == "" {
			continue
		}
		for _, cand := range candidates(dir, name) {
			if executable(cand) == nil {
				return cand, nil
			}
		}
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

func (e *Env) pathKey() string {
	if runtime.GOOS == "windows" {
		for k := range e.vars {
			if strings.EqualFold(k, "PATH") {
				return k
			}
		}
	}
	return "PATH"
}

func candidates(dir, name string) []string {
	if runtime.GOOS != "windows" || filepath.Ext(name) != "" {
		return []string{filepath.Join(dir, name)}
	}
	return []string{filepath.Join(dir, name+".exe"), filepath.Join(dir, name+".cmd"), filepath.Join(dir, name+".bat")}
}

func executable(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", p)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", p)
	}
	return nil
}

func parseEnviron(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
