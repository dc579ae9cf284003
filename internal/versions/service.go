// Package versions keeps a git history of every saved revision of a markup
// document, one repository per document.
package versions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	branch       = "main"
	metadataFile = "metadata.json"
	objectsFile  = "objects.json"
)

var (
	ErrNoHistory       = errors.New("document has no recorded versions")
	ErrVersionNotFound = errors.New("version not found")
)

// Content is one saved revision. Objects is the serialized object list and is
// committed byte for byte.
type Content struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	SiteID      string          `json:"siteId"`
	Tags        []string        `json:"tags"`
	ObjectCount int             `json:"objectCount"`
	Objects     json.RawMessage `json:"-"`
}

type Version struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Record commits content when it differs from the head revision. It reports
// whether a new commit was created; an unchanged save returns the head.
func (s *Service) Record(documentID string, content Content, author, message string) (Version, bool, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return Version{}, false, err
	}

	if head, err := headCommit(repo); err == nil {
		previous, err := readContent(head)
		if err != nil {
			return Version{}, false, err
		}
		if !HasChanges(previous, content) {
			return toVersion(head), false, nil
		}
	} else if !errors.Is(err, ErrNoHistory) {
		return Version{}, false, err
	}

	hash, err := s.commit(repo, content, author, message)
	if err != nil {
		return Version{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), true, nil
}

// History lists revisions newest first. A document that was never saved has
// an empty history.
func (s *Service) History(documentID string, limit int) ([]Version, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if errors.Is(err, ErrNoHistory) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt loads the revision with the given (possibly abbreviated) hash.
func (s *Service) ContentAt(documentID, hash string) (Content, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Content{}, ErrVersionNotFound
	}
	if err != nil {
		return Content{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrVersionNotFound, err)
	}
	commitObj, err := repo.CommitObject(resolved)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return Content{}, ErrVersionNotFound
	}
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContent(commitObj)
}

// Tag marks the head revision, e.g. the state a work-log entry refers to.
// Existing tags are left in place.
func (s *Service) Tag(documentID, name string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return ErrNoHistory
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if err != nil {
		return err
	}
	_, err = repo.CreateTag(name, head.Hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Sitemark",
			Email: "sitemark@localhost",
			When:  s.now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return repo, nil
}

func (s *Service) commit(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	meta, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal metadata: %w", err)
	}
	objects := content.Objects
	if len(objects) == 0 {
		objects = json.RawMessage("[]")
	}

	root := worktree.Filesystem.Root()
	files := map[string][]byte{metadataFile: append(meta, '\n'), objectsFile: objects}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(root, name), data, 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.sitemark.dev", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readContent(commitObj *object.Commit) (Content, error) {
	meta, err := readFile(commitObj, metadataFile)
	if err != nil {
		return Content{}, err
	}
	var content Content
	if err := json.Unmarshal(meta, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit metadata: %w", err)
	}
	objects, err := readFile(commitObj, objectsFile)
	if err != nil {
		return Content{}, err
	}
	content.Objects = objects
	return content, nil
}

func readFile(commitObj *object.Commit, name string) ([]byte, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// HasChanges compares everything that is committed.
func HasChanges(from, to Content) bool {
	if from.Title != to.Title ||
		from.Description != to.Description ||
		from.SiteID != to.SiteID ||
		from.ObjectCount != to.ObjectCount ||
		len(from.Tags) != len(to.Tags) {
		return true
	}
	for i := range from.Tags {
		if from.Tags[i] != to.Tags[i] {
			return true
		}
	}
	return !bytes.Equal(normalize(from.Objects), normalize(to.Objects))
}

func normalize(objects json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(objects)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("[]")
	}
	return trimmed
}

func toVersion(commitObj *object.Commit) Version {
	return Version{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
