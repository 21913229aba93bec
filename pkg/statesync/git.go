package statesync

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"
	"time"
)

// gitClient shells out to git for commit, push, and pull of the state
// directory. The repository merge machinery, not this layer, resolves
// concurrent-writer divergence; a textual conflict is fatal.
type gitClient struct {
	dir      string // state directory inside the working tree
	branch   string
	template *template.Template
}

type commitMessageData struct {
	Timestamp time.Time
	Schemas   []string
}

func newGitClient(dir, branch, messageTemplate string) (*gitClient, error) {
	tmpl, err := template.New("commit").Parse(messageTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid commit message template: %w", err)
	}

	return &gitClient{dir: dir, branch: branch, template: tmpl}, nil
}

func (g *gitClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.dir}, args...)...)

	var out bytes.Buffer

	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()

	return out.String(), err
}

// Commit stages the state directory and commits with the templated message.
// A clean tree is not an error.
func (g *gitClient) Commit(ctx context.Context, schemas []string) error {
	if _, err := g.run(ctx, "add", "-A", "."); err != nil {
		return NewPersistenceError("Commit", "", fmt.Errorf("git add: %w", err))
	}

	if _, err := g.run(ctx, "diff", "--cached", "--quiet"); err == nil {
		// Nothing staged.
		return nil
	}

	var msg bytes.Buffer
	if err := g.template.Execute(&msg, commitMessageData{Timestamp: time.Now().UTC(), Schemas: schemas}); err != nil {
		return NewPersistenceError("Commit", "", fmt.Errorf("render commit message: %w", err))
	}

	if out, err := g.run(ctx, "commit", "-m", msg.String()); err != nil {
		return NewPersistenceError("Commit", "", fmt.Errorf("git commit: %w: %s", err, strings.TrimSpace(out)))
	}

	return nil
}

// Push publishes local commits to the configured branch.
func (g *gitClient) Push(ctx context.Context) error {
	if out, err := g.run(ctx, "push", "origin", g.branch); err != nil {
		return NewPersistenceError("Push", "", fmt.Errorf("git push: %w: %s", err, strings.TrimSpace(out)))
	}

	return nil
}

// Pull fetches and merges remote state. A merge conflict surfaces as
// ErrMergeConflict and requires external resolution.
func (g *gitClient) Pull(ctx context.Context) error {
	out, err := g.run(ctx, "pull", "origin", g.branch)
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
			return NewPersistenceError("Pull", "", fmt.Errorf("%w: %s", ErrMergeConflict, strings.TrimSpace(out)))
		}

		return NewPersistenceError("Pull", "", fmt.Errorf("git pull: %w: %s", err, strings.TrimSpace(out)))
	}

	return nil
}
