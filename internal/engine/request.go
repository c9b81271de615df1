package engine

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/randomizedcoder/go-proc-stream/internal/wire"
)

// validateRequest checks the parts of a ProcessExecutionRequest that must
// hold before any resource is allocated: argv non-empty, the executable
// resolvable, and the working directory present and usable.
//
// The resolved executable path is returned so the spawn uses exactly what
// was validated.
func validateRequest(req wire.ProcessExecutionRequest) (string, error) {
	if len(req.Argv) == 0 {
		return "", &wire.CreationError{Description: "argv must not be empty"}
	}
	if req.Argv[0] == "" {
		return "", &wire.CreationError{Description: "argv[0] must name an executable"}
	}

	path, err := exec.LookPath(req.Argv[0])
	if err != nil {
		return "", &wire.CreationError{
			Description: fmt.Sprintf("executable %q not resolvable: %v", req.Argv[0], err),
		}
	}

	if req.Cwd == "" {
		return "", &wire.CreationError{Description: "cwd must not be empty"}
	}
	info, err := os.Stat(req.Cwd)
	if err != nil {
		return "", &wire.CreationError{
			Description: fmt.Sprintf("cwd %q not usable: %v", req.Cwd, err),
		}
	}
	if !info.IsDir() {
		return "", &wire.CreationError{
			Description: fmt.Sprintf("cwd %q is not a directory", req.Cwd),
		}
	}

	return path, nil
}

// Signature normalizes a request into the key used to group historically
// comparable runs: the argv joined verbatim plus the values of the relevant
// env keys, sorted so map iteration order cannot leak into the key.
func Signature(req wire.ProcessExecutionRequest, envKeys []string) string {
	var b strings.Builder
	b.WriteString(strings.Join(req.Argv, " "))

	if len(envKeys) > 0 && len(req.Env) > 0 {
		pairs := make([]string, 0, len(envKeys))
		for _, key := range envKeys {
			if val, ok := req.Env[key]; ok {
				pairs = append(pairs, key+"="+val)
			}
		}
		sort.Strings(pairs)
		for _, p := range pairs {
			b.WriteString(" ")
			b.WriteString(p)
		}
	}

	return b.String()
}

// mergedEnv builds the subprocess environment: the parent environment with
// the request's entries appended (request entries win in os/exec semantics,
// where later duplicates override earlier ones). A nil request env inherits
// the parent environment unchanged.
func mergedEnv(req wire.ProcessExecutionRequest) []string {
	if len(req.Env) == 0 {
		return nil // exec.Cmd nil Env inherits the parent environment
	}

	env := os.Environ()
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}
	return env
}
