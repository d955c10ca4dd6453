package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitRunner executes a git command in a directory and returns combined
// output. The production runner shells out; tests substitute a fake.
type GitRunner interface {
	Git(ctx context.Context, dir string, args ...string) (string, error)
}

// GitRunnerFunc adapts a function to the GitRunner interface.
type GitRunnerFunc func(ctx context.Context, dir string, args ...string) (string, error)

// Git implements GitRunner.
func (f GitRunnerFunc) Git(ctx context.Context, dir string, args ...string) (string, error) {
	return f(ctx, dir, args...)
}

// execGitRunner runs the system git binary.
type execGitRunner struct{}

func (execGitRunner) Git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// Git is a handle bound to one worktree, for callers that need to inspect
// or mutate the working copy (diff summaries, branch creation).
type Git struct {
	runner GitRunner
	dir    string
}

// Run executes a git command inside the worktree.
func (g *Git) Run(ctx context.Context, args ...string) (string, error) {
	return g.runner.Git(ctx, g.dir, args...)
}

// Dir returns the worktree path the handle is bound to.
func (g *Git) Dir() string { return g.dir }

// DiffStat reports the pending change summary of the worktree as parsed
// from `git diff --numstat`.
func (g *Git) DiffStat(ctx context.Context) (filesChanged, added, removed int, err error) {
	out, err := g.Run(ctx, "diff", "--numstat")
	if err != nil {
		return 0, 0, 0, err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		filesChanged++
		// Binary files report "-"; count the file but no lines.
		var a, r int
		fmt.Sscanf(fields[0], "%d", &a)
		fmt.Sscanf(fields[1], "%d", &r)
		added += a
		removed += r
	}
	return filesChanged, added, removed, nil
}
