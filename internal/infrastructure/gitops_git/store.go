package gitops_git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/davarch/ci-promoter/internal/infrastructure/config"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Options struct {
	Dir         string
	Remote      string
	Branch      string
	AuthorName  string
	AuthorEmail string
}

// Store keeps the production image declaration in a values file of a Git
// working copy. With an empty Remote it works on the local branch only.
type Store struct {
	log  *zap.Logger
	run  domain.CommandRunner
	opts Options
	mu   sync.Mutex
}

func New(log *zap.Logger, run domain.CommandRunner, opts Options) *Store {
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	return &Store{log: log, run: run, opts: opts}
}

func (s *Store) CurrentDesiredState(ctx context.Context, path string) (domain.DesiredState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		return domain.DesiredState{}, err
	}
	doc, err := s.read(path)
	if err != nil {
		return domain.DesiredState{}, err
	}
	st := stateOf(doc)
	st.Path = path
	st.Revision, err = s.head(ctx)
	if err != nil {
		return domain.DesiredState{}, err
	}
	return st, nil
}

// CommitDesiredState records patch.Tag if the file still holds
// patch.ExpectedTag, then pushes. A moved tag or a rejected push is a
// *domain.ConflictError and leaves the working copy at the remote head.
func (s *Store) CommitDesiredState(ctx context.Context, path string, patch domain.DesiredStatePatch) (domain.CommitRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		return domain.CommitRef{}, err
	}
	doc, err := s.read(path)
	if err != nil {
		return domain.CommitRef{}, err
	}
	cur := stateOf(doc)
	if cur.Tag != patch.ExpectedTag {
		return domain.CommitRef{}, &domain.ConflictError{Resource: path, Expected: patch.ExpectedTag, Actual: cur.Tag}
	}
	if cur.Tag == patch.Tag && (patch.Repository == "" || cur.Repository == patch.Repository) {
		sha, err := s.head(ctx)
		return domain.CommitRef{SHA: sha, Branch: s.opts.Branch}, err
	}

	setImage(doc, patch.Repository, patch.Tag)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return domain.CommitRef{}, fmt.Errorf("encode %s: %w", path, err)
	}
	_ = enc.Close()

	full := filepath.Join(s.opts.Dir, path)
	perm := os.FileMode(0o644)
	if fi, err := os.Stat(full); err == nil {
		perm = fi.Mode().Perm()
	}
	if err := config.WriteFileAtomic(full, buf.Bytes(), perm); err != nil {
		return domain.CommitRef{}, fmt.Errorf("write %s: %w", path, err)
	}

	msg := patch.Message
	if msg == "" {
		msg = fmt.Sprintf("promote %s to %s", path, patch.Tag)
	}
	if _, err := s.git(ctx, "add", "--", path); err != nil {
		return domain.CommitRef{}, s.rollback(ctx, err)
	}
	if _, err := s.git(ctx,
		"-c", "user.name="+s.opts.AuthorName,
		"-c", "user.email="+s.opts.AuthorEmail,
		"commit", "-m", msg); err != nil {
		return domain.CommitRef{}, s.rollback(ctx, err)
	}
	sha, err := s.head(ctx)
	if err != nil {
		return domain.CommitRef{}, s.rollback(ctx, err)
	}

	if s.opts.Remote != "" {
		out, err := s.git(ctx, "push", s.opts.Remote, "HEAD:"+s.opts.Branch)
		if err != nil {
			if pushRejected(out) {
				err = &domain.ConflictError{Resource: s.opts.Remote + "/" + s.opts.Branch, Err: err}
			}
			return domain.CommitRef{}, s.rollback(ctx, err)
		}
	}

	s.log.Info("gitops: desired state committed",
		zap.String("path", path),
		zap.String("tag", patch.Tag),
		zap.String("sha", sha),
	)
	return domain.CommitRef{SHA: sha, Branch: s.opts.Branch}, nil
}

func (s *Store) sync(ctx context.Context) error {
	if s.opts.Remote == "" {
		return nil
	}
	if _, err := s.git(ctx, "fetch", s.opts.Remote, s.opts.Branch); err != nil {
		return err
	}
	_, err := s.git(ctx, "reset", "--hard", s.opts.Remote+"/"+s.opts.Branch)
	return err
}

// rollback discards the local commit so the next attempt starts clean.
func (s *Store) rollback(ctx context.Context, cause error) error {
	ref := "HEAD"
	if s.opts.Remote != "" {
		ref = s.opts.Remote + "/" + s.opts.Branch
	}
	if _, err := s.git(context.WithoutCancel(ctx), "reset", "--hard", ref); err != nil {
		s.log.Warn("gitops: rollback failed", zap.Error(err))
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Store) head(ctx context.Context) (string, error) {
	out, err := s.git(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

func (s *Store) git(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{"git", "-C", s.opts.Dir}, args...)
	res, err := s.run.Run(ctx, "", argv, []string{"GIT_TERMINAL_PROMPT=0"})
	if err != nil {
		return res.Output, fmt.Errorf("git %s: %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return res.Output, fmt.Errorf("git %s exited with %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Output))
	}
	return res.Output, nil
}

func (s *Store) read(path string) (*yaml.Node, error) {
	b, err := os.ReadFile(filepath.Join(s.opts.Dir, path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse %s: top level is not a mapping", path)
	}
	return &doc, nil
}

func pushRejected(out string) bool {
	out = strings.ToLower(out)
	for _, s := range []string{"[rejected]", "non-fast-forward", "fetch first", "stale info"} {
		if strings.Contains(out, s) {
			return true
		}
	}
	return false
}
