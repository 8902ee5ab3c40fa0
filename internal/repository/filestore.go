package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ordinal-bus/internal/domain"
)

const (
	requestsDir  = "requests"
	responsesDir = "responses"
	historyDir   = "history"
	stagingDir   = ".staging"
	orphansDir   = ".orphans"

	recordExt      = ".json"
	requestPrefix  = "request_"
	responsePrefix = "response_"

	// containerTimeLayout is fixed width so lexical order is chronological.
	containerTimeLayout = "20060102T150405.000000000"
	// legacyContainerLayout names one container per second, possibly shared
	// by several exchanges. Such containers are read but never written.
	legacyContainerLayout = "20060102_150405"
)

// FileStore keeps the bus in a directory tree so that Issuer and Responder
// processes can share it without a common runtime:
//
//	<root>/requests/<id>.json
//	<root>/responses/<id>.json
//	<root>/history/<utc-timestamp>Z_<id>/{request,response}_<id>.json
//
// Every record is written to a temp file and renamed into place, so readers
// never observe a half-written document. Dot-prefixed entries are private to
// the store and skipped by all readers.
type FileStore struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewFileStore creates the partition directories under root if absent.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("repository: bus root must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{root: root, logger: logger, now: time.Now}
	for _, dir := range []string{
		s.dir(requestsDir),
		s.dir(responsesDir),
		s.dir(historyDir),
		s.dir(historyDir, stagingDir),
		s.dir(historyDir, orphansDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: create %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the bus directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) dir(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (s *FileStore) requestPath(id string) string {
	return filepath.Join(s.dir(requestsDir), id+recordExt)
}

func (s *FileStore) responsePath(id string) string {
	return filepath.Join(s.dir(responsesDir), id+recordExt)
}

// PutRequest writes or replaces the open request record.
func (s *FileStore) PutRequest(_ context.Context, req domain.Request) error {
	if err := domain.ValidateID(req.ID); err != nil {
		return fmt.Errorf("repository: PutRequest: %w", err)
	}
	if err := writeJSONAtomic(s.dir(requestsDir), req.ID+recordExt, req); err != nil {
		return fmt.Errorf("repository: PutRequest: %w", err)
	}
	return nil
}

// GetRequest returns the open request for id or domain.ErrNotFound.
func (s *FileStore) GetRequest(_ context.Context, id string) (domain.Request, error) {
	if err := domain.ValidateID(id); err != nil {
		return domain.Request{}, fmt.Errorf("repository: GetRequest: %w", err)
	}
	var req domain.Request
	if err := readJSON(s.requestPath(id), &req); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Request{}, domain.ErrNotFound
		}
		return domain.Request{}, fmt.Errorf("repository: GetRequest: %w", err)
	}
	return req, nil
}

// GetResponse looks up the open response for id. A missing response is
// reported as ok=false, not as an error.
func (s *FileStore) GetResponse(_ context.Context, id string) (domain.Response, bool, error) {
	if err := domain.ValidateID(id); err != nil {
		return domain.Response{}, false, fmt.Errorf("repository: GetResponse: %w", err)
	}
	var resp domain.Response
	if err := readJSON(s.responsePath(id), &resp); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Response{}, false, nil
		}
		return domain.Response{}, false, fmt.Errorf("repository: GetResponse: %w", err)
	}
	return resp, true, nil
}

// PutResponse writes the response record for an open request.
func (s *FileStore) PutResponse(_ context.Context, resp domain.Response) error {
	if err := domain.ValidateID(resp.ID); err != nil {
		return fmt.Errorf("repository: PutResponse: %w", err)
	}
	if _, err := os.Stat(s.requestPath(resp.ID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("repository: PutResponse: stat request: %w", err)
	}
	if err := writeJSONAtomic(s.dir(responsesDir), resp.ID+recordExt, resp); err != nil {
		return fmt.Errorf("repository: PutResponse: %w", err)
	}
	return nil
}

// Archive moves the request and response for id into a new history
// container. The request is claimed first by renaming it into a private
// staging directory, so concurrent callers race on a single rename and only
// one of them archives; the others get "". The staged request is given its
// terminal status (answered when a response was moved with it, unanswered
// otherwise) and the staging directory is published into history with one
// more rename.
func (s *FileStore) Archive(_ context.Context, id string, unanswered domain.Status) (domain.Status, error) {
	if err := domain.ValidateID(id); err != nil {
		return "", fmt.Errorf("repository: Archive: %w", err)
	}
	if err := checkUnanswered(unanswered); err != nil {
		return "", fmt.Errorf("repository: Archive: %w", err)
	}
	stage, err := os.MkdirTemp(s.dir(historyDir, stagingDir), id+".*")
	if err != nil {
		return "", fmt.Errorf("repository: Archive: create staging: %w", err)
	}

	reqDst := filepath.Join(stage, requestPrefix+id+recordExt)
	if err := os.Rename(s.requestPath(id), reqDst); err != nil {
		_ = os.Remove(stage)
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("repository: Archive: claim request: %w", err)
	}

	answered := true
	respDst := filepath.Join(stage, responsePrefix+id+recordExt)
	if err := os.Rename(s.responsePath(id), respDst); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			// The claimed request stays staged; the sweeper publishes it.
			return "", fmt.Errorf("repository: Archive: move response: %w", err)
		}
		answered = false
	}
	status := settledStatus(answered, unanswered)
	s.settleStaged(reqDst, status)

	container, err := s.publish(stage, id)
	if err != nil {
		return "", fmt.Errorf("repository: Archive: %w", err)
	}
	s.logger.Info("exchange archived", "id", id, "container", container, "status", status)
	return status, nil
}

// settleStaged rewrites the staged request with its terminal status. The
// staged copy is invisible to readers, so this never mutates a visible record.
func (s *FileStore) settleStaged(path string, status domain.Status) {
	var req domain.Request
	if err := readJSON(path, &req); err != nil {
		s.logger.Warn("archive: staged request unreadable, archiving as-is", "path", path, "err", err)
		return
	}
	if req.Status == status {
		return
	}
	req.Status = status
	if err := writeJSONAtomic(filepath.Dir(path), filepath.Base(path), req); err != nil {
		s.logger.Warn("archive: failed to settle staged status", "path", path, "err", err)
	}
}

func (s *FileStore) publish(stage, id string) (string, error) {
	container := s.now().UTC().Format(containerTimeLayout) + "Z_" + id
	dst := filepath.Join(s.dir(historyDir), container)
	if err := os.Rename(stage, dst); err != nil {
		return "", fmt.Errorf("publish %s: %w", container, err)
	}
	syncDir(s.dir(historyDir))
	return container, nil
}

// ListOpenRequests returns every readable open request. Records that fail to
// decode are logged and skipped.
func (s *FileStore) ListOpenRequests(_ context.Context) ([]domain.Request, error) {
	entries, err := os.ReadDir(s.dir(requestsDir))
	if err != nil {
		return nil, fmt.Errorf("repository: ListOpenRequests: %w", err)
	}
	reqs := make([]domain.Request, 0, len(entries))
	for _, e := range entries {
		if !isRecord(e) {
			continue
		}
		path := filepath.Join(s.dir(requestsDir), e.Name())
		var req domain.Request
		if err := readJSON(path, &req); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // archived since ReadDir
			}
			if errors.Is(err, domain.ErrMalformedRecord) {
				s.logger.Warn("skipping malformed request", "path", path, "err", err)
				continue
			}
			return nil, fmt.Errorf("repository: ListOpenRequests: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// ListHistory returns archived exchanges, newest first. limit <= 0 returns
// every exchange.
func (s *FileStore) ListHistory(_ context.Context, limit int) ([]domain.Exchange, error) {
	names, err := s.containers()
	if err != nil {
		return nil, fmt.Errorf("repository: ListHistory: %w", err)
	}
	sortContainersNewestFirst(names)

	var out []domain.Exchange
	for _, name := range names {
		if limit > 0 && len(out) >= limit {
			break
		}
		exchanges, err := s.readContainer(name)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedRecord) || errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("skipping unreadable history entry", "container", name, "err", err)
				continue
			}
			return nil, fmt.Errorf("repository: ListHistory: %w", err)
		}
		for _, ex := range exchanges {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, ex)
		}
	}
	return out, nil
}

func (s *FileStore) containers() ([]string, error) {
	entries, err := os.ReadDir(s.dir(historyDir))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// sortContainersNewestFirst orders by archive time so legacy and current
// container names interleave correctly. Names without a parsable time go last.
func sortContainersNewestFirst(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ti, tj := containerTime(names[i]), containerTime(names[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return names[i] > names[j]
	})
}

// readContainer returns every exchange in a container. Current containers
// hold exactly one; legacy ones may hold several.
func (s *FileStore) readContainer(name string) ([]domain.Exchange, error) {
	dir := filepath.Join(s.dir(historyDir), name)
	reqs, err := filepath.Glob(filepath.Join(dir, requestPrefix+"*"+recordExt))
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no request in %s", domain.ErrMalformedRecord, name)
	}
	archivedAt := containerTime(name)
	out := make([]domain.Exchange, 0, len(reqs))
	for _, path := range reqs {
		ex := domain.Exchange{Container: name, ArchivedAt: archivedAt}
		if err := readJSON(path, &ex.Request); err != nil {
			if len(reqs) == 1 {
				return nil, err
			}
			s.logger.Warn("skipping unreadable history request", "container", name, "path", path, "err", err)
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), requestPrefix), recordExt)
		var resp domain.Response
		switch err := readJSON(filepath.Join(dir, responsePrefix+id+recordExt), &resp); {
		case err == nil:
			ex.Response = &resp
		case !errors.Is(err, fs.ErrNotExist):
			s.logger.Warn("history response unreadable", "container", name, "id", id, "err", err)
		}
		out = append(out, ex)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no readable request in %s", domain.ErrMalformedRecord, name)
	}
	return out, nil
}

func containerTime(name string) time.Time {
	if ts, _, ok := strings.Cut(name, "Z_"); ok {
		if t, err := time.Parse(containerTimeLayout, ts); err == nil {
			return t.UTC()
		}
		return time.Time{}
	}
	if t, err := time.Parse(legacyContainerLayout, name); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// Stats counts the records in each partition.
func (s *FileStore) Stats(_ context.Context) (domain.Stats, error) {
	reqs, err := countRecords(s.dir(requestsDir))
	if err != nil {
		return domain.Stats{}, fmt.Errorf("repository: Stats: %w", err)
	}
	resps, err := countRecords(s.dir(responsesDir))
	if err != nil {
		return domain.Stats{}, fmt.Errorf("repository: Stats: %w", err)
	}
	names, err := s.containers()
	if err != nil {
		return domain.Stats{}, fmt.Errorf("repository: Stats: %w", err)
	}
	return domain.Stats{OpenRequests: reqs, OpenResponses: resps, History: len(names)}, nil
}

// RecoverStaging publishes archives that were claimed but never published,
// which only happens when an archiver died mid-transition.
func (s *FileStore) RecoverStaging(_ context.Context, olderThan time.Duration) (int, error) {
	root := s.dir(historyDir, stagingDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("repository: RecoverStaging: %w", err)
	}
	cutoff := s.now().Add(-olderThan)
	recovered := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		id, _, _ := strings.Cut(e.Name(), ".")
		stage := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(stage, requestPrefix+id+recordExt)); err != nil {
			// Empty leftovers from a lost claim race.
			_ = os.Remove(stage)
			continue
		}
		_, respErr := os.Stat(filepath.Join(stage, responsePrefix+id+recordExt))
		s.settleStaged(filepath.Join(stage, requestPrefix+id+recordExt), settledStatus(respErr == nil, domain.StatusTimeout))
		if container, err := s.publish(stage, id); err != nil {
			s.logger.Error("recover staging failed", "id", id, "err", err)
		} else {
			s.logger.Warn("recovered interrupted archive", "id", id, "container", container)
			recovered++
		}
	}
	return recovered, nil
}

// QuarantineOrphans moves responses whose request is no longer open out of
// the open partition. Orphans appear when an exchange is archived between
// the Responder's existence check and its write.
func (s *FileStore) QuarantineOrphans(_ context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir(responsesDir))
	if err != nil {
		return 0, fmt.Errorf("repository: QuarantineOrphans: %w", err)
	}
	cutoff := s.now().Add(-olderThan)
	moved := 0
	for _, e := range entries {
		if !isRecord(e) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), recordExt)
		if _, err := os.Stat(s.requestPath(id)); err == nil || !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dst := filepath.Join(s.dir(historyDir, orphansDir), s.now().UTC().Format(containerTimeLayout)+"Z_"+e.Name())
		if err := os.Rename(s.responsePath(id), dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return moved, fmt.Errorf("repository: QuarantineOrphans: %w", err)
		}
		s.logger.Warn("quarantined orphan response", "id", id, "path", dst)
		moved++
	}
	return moved, nil
}

func isRecord(e fs.DirEntry) bool {
	name := e.Name()
	return !e.IsDir() && !strings.HasPrefix(name, ".") && strings.HasSuffix(name, recordExt)
}

func countRecords(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if isRecord(e) {
			n++
		}
	}
	return n, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrMalformedRecord, filepath.Base(path), err)
	}
	return nil
}

// writeJSONAtomic makes the document durable under dir/name before returning.
func writeJSONAtomic(dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", name, err)
	}
	syncDir(dir)
	return nil
}

// syncDir persists a rename. Some platforms cannot fsync a directory, so
// failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
