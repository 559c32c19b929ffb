package sync

import (
	"context"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/guild"
	"github.com/teranos/grimoire/logger"
)

// worktree is a shallow clone on local disk. Cleanup is safe to call
// more than once.
type worktree struct {
	dir     string
	head    string
	cleanup func()
}

func (w *worktree) Cleanup() {
	if w.cleanup != nil {
		w.cleanup()
		w.cleanup = nil
	}
}

// cloneURL derives the git clone endpoint from the contents-API base.
// Forges that serve both from {host}/{owner}/{repo} accept the .git
// suffix; ones that don't still resolve the bare path.
func cloneURL(rc *guild.RepoConfig) string {
	base := strings.TrimRight(rc.SourceURL, "/")
	if strings.HasSuffix(base, ".git") {
		return base
	}
	return base + ".git"
}

// clone shallow-clones the guild's prompt repository at its configured
// branch into a temp directory.
func clone(ctx context.Context, rc *guild.RepoConfig, credential string) (*worktree, error) {
	dir, err := os.MkdirTemp("", "grimoire-sync-"+rc.GuildID+"-*")
	if err != nil {
		return nil, errors.Wrap(err, "creating clone directory")
	}

	opts := &git.CloneOptions{
		URL:          cloneURL(rc),
		Depth:        1,
		SingleBranch: true,
	}
	if rc.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(rc.Branch)
	}
	if credential != "" {
		// Token auth over HTTPS; the username is ignored by most forges
		// but must be non-empty.
		opts.Auth = &githttp.BasicAuth{Username: "git", Password: credential}
	}

	logger.FetchDebugw("Cloning prompt repository",
		logger.FieldGuildID, rc.GuildID,
		"url", opts.URL,
		logger.FieldBranch, rc.Branch)

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrap(err, "cloning prompt repository")
	}

	head := ""
	if ref, err := repo.Head(); err == nil {
		head = ref.Hash().String()
	}

	return &worktree{
		dir:  dir,
		head: head,
		cleanup: func() {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warnw("Failed to remove clone directory",
					logger.FieldPath, dir,
					logger.FieldError, err)
			}
		},
	}, nil
}
