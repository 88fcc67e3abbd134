// Package vercontrol snapshots and restores a folder of jsonl stores using
// an embedded git repository (go-git, pure Go, no git binary needed).
//
// The whole folder is committed at once, data files and side indexes
// together, so after [Revert] every data+index pair on disk is mutually
// consistent. Stores never need to be told about a restore: staleness is
// caught by the usual index checks on the next operation.
package vercontrol

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Author identifies who made a snapshot.
type Author struct {
	Name  string
	Email string
}

func (a Author) orDefaults() Author {
	if a.Name == "" {
		a.Name = "jsonldb"
	}
	if a.Email == "" {
		a.Email = "jsonldb@localhost"
	}
	return a
}

// IsVersioned reports whether the folder is already a git repository.
func IsVersioned(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && fi.IsDir()
}

// Init initializes the folder as a git repository. Initializing a folder
// that is already a repository is a no-op.
func Init(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", dir, err)
	}
	if _, err := gogit.PlainInit(dir, false); err != nil {
		if errors.Is(err, gogit.ErrRepositoryAlreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to initialize git repository in %s: %w", dir, err)
	}
	return nil
}

// Commit stages every change in the folder and commits it, initializing the
// repository on first use. The returned hash is empty when there was nothing
// to commit. An empty msg gets an auto-generated timestamp message.
func Commit(dir, msg string, author Author) (string, error) {
	if !IsVersioned(dir) {
		if err := Init(dir); err != nil {
			return "", err
		}
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open git repository in %s: %w", dir, err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := w.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := w.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}

	timestamp := time.Now().Format("2006-01-02@15-04")
	if msg == "" {
		msg = fmt.Sprintf("Auto Commit: %s", timestamp)
	} else {
		msg = fmt.Sprintf("Manual Commit: %s %s", timestamp, msg)
	}
	author = author.orDefaults()
	hash, err := w.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit changes: %w", err)
	}
	return hash.String(), nil
}

// Version is one snapshot of the folder.
type Version struct {
	Hash    string // short hash, 7 characters
	Message string
	When    time.Time
}

// Versions returns every snapshot of the folder, newest first (log order
// from HEAD). A repository without commits yields an empty slice.
func Versions(dir string) ([]Version, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository in %s: %w", dir, err)
	}
	iter, err := repo.Log(&gogit.LogOptions{})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	var versions []Version
	err = iter.ForEach(func(c *object.Commit) error {
		versions = append(versions, Version{
			Hash:    c.Hash.String()[:7],
			Message: strings.TrimSpace(c.Message),
			When:    c.Committer.When,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk versions: %w", err)
	}
	return versions, nil
}

// Revert hard-resets the folder to the given snapshot. Short hashes are
// accepted.
func Revert(dir, hash string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("failed to open git repository in %s: %w", dir, err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return fmt.Errorf("version %s not found: %w", hash, err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := w.Reset(&gogit.ResetOptions{Commit: *resolved, Mode: gogit.HardReset}); err != nil {
		return fmt.Errorf("failed to revert to %s: %w", hash, err)
	}
	return nil
}
