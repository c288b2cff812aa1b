package workspace

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// GitError wraps a failed git invocation with the context needed to debug
// it from a run log.
type GitError struct {
	Op     string
	Dir    string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s (%s): %v", e.Op, e.Dir, e.Err)
	if line := firstStderrLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

func firstStderrLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// gitEnv turns off background maintenance through git's environment-config
// mechanism. A run issues frequent diff/commit calls and must not leave
// stray helper processes behind.
func gitEnv() []string {
	return append(os.Environ(),
		"GIT_CONFIG_COUNT=2",
		"GIT_CONFIG_KEY_0=maintenance.auto",
		"GIT_CONFIG_VALUE_0=false",
		"GIT_CONFIG_KEY_1=gc.auto",
		"GIT_CONFIG_VALUE_1=0",
	)
}

// git runs one git command in dir, returning stdout. Stderr travels inside
// the returned *GitError.
func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = gitEnv()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		op := ""
		if len(args) > 0 {
			op = args[0]
		}
		return stdout.String(), &GitError{Op: op, Dir: dir, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// IsRepo reports whether dir belongs to a git repository.
func IsRepo(dir string) bool {
	_, err := git(dir, "rev-parse", "--git-dir")
	return err == nil
}

func revParse(dir string, ref string) (string, error) {
	out, err := git(dir, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HeadSHA returns the current HEAD commit of dir.
func HeadSHA(dir string) (string, error) {
	return revParse(dir, "HEAD")
}

// hasIdentity reports whether the repository resolves a committer identity
// on its own. `git config --get` exits non-zero for unset keys, which here
// just means "no".
func hasIdentity(dir string) bool {
	name, _ := git(dir, "config", "--get", "user.name")
	email, _ := git(dir, "config", "--get", "user.email")
	return strings.TrimSpace(name) != "" && strings.TrimSpace(email) != ""
}
