package steps

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
)

const (
	defaultBranch = "main"
	sourceDirName = "source"
)

type CloneOptions struct {
	URL         string
	Branch      string
	AccessToken string
	Depth       int
}

// Cloner fetches a repository into dir.
type Cloner interface {
	Clone(ctx context.Context, dir string, opts CloneOptions) error
}

// GitCloner clones with go-git, without needing a git binary.
type GitCloner struct{}

func NewGitCloner() *GitCloner {
	return &GitCloner{}
}

func (c *GitCloner) Clone(ctx context.Context, dir string, opts CloneOptions) error {
	cloneOpts := &git.CloneOptions{
		URL:           opts.URL,
		ReferenceName: plumbing.NewBranchReferenceName(opts.Branch),
		SingleBranch:  true,
		Depth:         opts.Depth,
	}

	if opts.AccessToken != "" {
		cloneOpts.Auth = tokenAuth(opts.AccessToken)
	}

	if _, err := git.PlainCloneContext(ctx, dir, false, cloneOpts); err != nil {
		return fmt.Errorf("failed to clone %s@%s: %w", opts.URL, opts.Branch, err)
	}

	return nil
}

//nolint:ireturn // go-git takes a transport.AuthMethod
func tokenAuth(token string) transport.AuthMethod {
	// GitHub, GitLab and Bitbucket all accept a token as the basic auth password.
	return &http.BasicAuth{Username: "x-access-token", Password: token}
}

type CloneConfig struct {
	Depth int `json:"depth,omitempty"`
}

// CloneStep checks out the submitted repository into <workspace>/source.
type CloneStep struct {
	cloner Cloner
	config CloneConfig
	logger *slog.Logger
}

func NewCloneStep(cloner Cloner, config CloneConfig, logger *slog.Logger) *CloneStep {
	if config.Depth <= 0 {
		config.Depth = 1
	}

	return &CloneStep{cloner: cloner, config: config, logger: logger}
}

func (s *CloneStep) Type() models.StepType {
	return models.StepTypeClone
}

func (s *CloneStep) Execute(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	if err := pctx.CheckCancelled(); err != nil {
		return nil, err
	}

	repo := pctx.Submission.Repository

	branch := repo.Branch
	if branch == "" {
		branch = defaultBranch
	}

	if err := os.MkdirAll(pctx.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	// The source dir only ever holds a complete checkout.
	tmp, err := os.MkdirTemp(pctx.WorkspaceDir, ".clone-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create clone directory: %w", err)
	}

	defer func() {
		_ = os.RemoveAll(tmp)
	}()

	s.logger.InfoContext(ctx, "Cloning repository", "url", repo.URL, "branch", branch)

	err = s.cloner.Clone(ctx, tmp, CloneOptions{
		URL:         repo.URL,
		Branch:      branch,
		AccessToken: repo.AccessToken,
		Depth:       s.config.Depth,
	})
	if err != nil {
		return nil, err
	}

	if err := pctx.CheckCancelled(); err != nil {
		return nil, err
	}

	target := filepath.Join(pctx.WorkspaceDir, sourceDirName)
	if err := os.RemoveAll(target); err != nil {
		return nil, fmt.Errorf("failed to clear previous checkout: %w", err)
	}

	if err := os.Rename(tmp, target); err != nil {
		return nil, fmt.Errorf("failed to move checkout into place: %w", err)
	}

	return &protocol.StepResult{
		Logs:   []string{fmt.Sprintf("cloned %s (branch %s) into %s", repo.URL, branch, target)},
		Output: map[string]any{"branch": branch, "url": repo.URL},
		Artifacts: map[string]any{
			models.ArtifactSourceDir: target,
		},
	}, nil
}
