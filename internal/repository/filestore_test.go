package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ordinal-bus/internal/domain"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestNewFileStore_CreatesPartitions(t *testing.T) {
	root := filepath.Join(t.TempDir(), "bus")
	_, err := NewFileStore(root, nil)
	require.NoError(t, err)
	for _, dir := range []string{"requests", "responses", "history", filepath.Join("history", ".staging")} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err, dir)
		require.True(t, info.IsDir())
	}
}

func TestNewFileStore_EmptyRoot(t *testing.T) {
	_, err := NewFileStore("  ", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestFileStore_RequestWireFormat(t *testing.T) {
	s := newTestFileStore(t)
	require.NoError(t, s.PutRequest(context.Background(), sampleRequest("abc")))

	raw, err := os.ReadFile(filepath.Join(s.Root(), "requests", "abc.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "abc", doc["id"])
	require.Equal(t, "oracle_call", doc["type"])
	require.EqualValues(t, 2, doc["from_level"])
	require.EqualValues(t, 3, doc["to_level"])
	require.Equal(t, "high", doc["urgency"])
	require.Equal(t, "pending", doc["status"])
	require.Equal(t, "2026-10-01T09:00:00Z", doc["timestamp"])
}

func TestFileStore_ReadsRecordsWithUnknownFields(t *testing.T) {
	s := newTestFileStore(t)
	doc := `{"id":"legacy1","type":"oracle_call","from_level":2,"to_level":3,"question":"Q?","context":"","urgency":"normal","timestamp":"2026-10-01T09:00:00+00:00","status":"pending","routing_hint":"x"}`
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "requests", "legacy1.json"), []byte(doc), 0o644))

	req, err := s.GetRequest(context.Background(), "legacy1")
	require.NoError(t, err)
	require.Equal(t, "Q?", req.Question)
	require.Zero(t, req.TimeoutSeconds)
}

func TestFileStore_WriteLeavesNoTempFiles(t *testing.T) {
	s := newTestFileStore(t)
	require.NoError(t, s.PutRequest(context.Background(), sampleRequest("abc")))
	entries, err := os.ReadDir(filepath.Join(s.Root(), "requests"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "abc.json", entries[0].Name())
}

func TestFileStore_RejectsUnsafeIDs(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	req := sampleRequest("../../etc/passwd")
	require.ErrorIs(t, s.PutRequest(ctx, req), domain.ErrInvalidID)
	_, _, err := s.GetResponse(ctx, "a/b")
	require.ErrorIs(t, err, domain.ErrInvalidID)
	_, err = s.Archive(ctx, "..", domain.StatusTimeout)
	require.ErrorIs(t, err, domain.ErrInvalidID)
}

func TestFileStore_HistoryLayout(t *testing.T) {
	s := newTestFileStore(t)
	s.now = func() time.Time { return time.Date(2026, 10, 1, 9, 2, 3, 4, time.UTC) }
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, sampleRequest("abc")))
	require.NoError(t, s.PutResponse(ctx, sampleResponse("abc")))

	_, err := s.Archive(ctx, "abc", domain.StatusTimeout)
	require.NoError(t, err)

	container := filepath.Join(s.Root(), "history", "20261001T090203.000000004Z_abc")
	require.FileExists(t, filepath.Join(container, "request_abc.json"))
	require.FileExists(t, filepath.Join(container, "response_abc.json"))
	require.NoFileExists(t, filepath.Join(s.Root(), "requests", "abc.json"))
	require.NoFileExists(t, filepath.Join(s.Root(), "responses", "abc.json"))

	hist, err := s.ListHistory(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 1, 9, 2, 3, 4, time.UTC), hist[0].ArchivedAt)

	staging, err := os.ReadDir(filepath.Join(s.Root(), "history", ".staging"))
	require.NoError(t, err)
	require.Empty(t, staging)
}

func TestFileStore_ArchiveSettlesStatus(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, sampleRequest("lonely")))
	require.NoError(t, s.PutRequest(ctx, sampleRequest("done")))
	require.NoError(t, s.PutResponse(ctx, sampleResponse("done")))

	status, err := s.Archive(ctx, "lonely", domain.StatusTimeout)
	require.NoError(t, err)
	require.Equal(t, domain.StatusTimeout, status)
	status, err = s.Archive(ctx, "done", domain.StatusTimeout)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAnswered, status, "an archived response wins over the fallback")

	hist, err := s.ListHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	for _, ex := range hist {
		if ex.Request.ID == "lonely" {
			require.Equal(t, domain.StatusTimeout, ex.Request.Status)
			require.Nil(t, ex.Response)
		} else {
			require.Equal(t, domain.StatusAnswered, ex.Request.Status)
			require.NotNil(t, ex.Response)
		}
	}

	_, err = s.Archive(ctx, "done", domain.StatusPending)
	require.Error(t, err, "pending is not a terminal status")
}

func TestFileStore_SkipsMalformedRecords(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, sampleRequest("good")))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "requests", "bad.json"), []byte("{not json"), 0o644))

	reqs, err := s.ListOpenRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, "good", reqs[0].ID)

	_, err = s.GetRequest(ctx, "bad")
	require.ErrorIs(t, err, domain.ErrMalformedRecord)
}

func TestFileStore_HistorySkipsCorruptContainers(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, sampleRequest("good")))
	_, err := s.Archive(ctx, "good", domain.StatusTimeout)
	require.NoError(t, err)

	corrupt := filepath.Join(s.Root(), "history", "99991231T235959.000000000Z_broken")
	require.NoError(t, os.MkdirAll(corrupt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corrupt, "request_broken.json"), []byte("]"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "history", "99991231T235959.000000000Z_empty"), 0o755))

	hist, err := s.ListHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "good", hist[0].Request.ID)
}

func TestFileStore_RecoverStagingPublishesInterruptedArchive(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, sampleRequest("abc")))

	// Simulate an archiver that died after claiming the request.
	stage := filepath.Join(s.Root(), "history", ".staging", "abc.123")
	require.NoError(t, os.MkdirAll(stage, 0o755))
	require.NoError(t, os.Rename(filepath.Join(s.Root(), "requests", "abc.json"), filepath.Join(stage, "request_abc.json")))
	leftover := filepath.Join(s.Root(), "history", ".staging", "zzz.456")
	require.NoError(t, os.MkdirAll(leftover, 0o755))

	n, err := s.RecoverStaging(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoDirExists(t, leftover)

	hist, err := s.ListHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "abc", hist[0].Request.ID)
	require.Equal(t, domain.StatusTimeout, hist[0].Request.Status)
}

func TestFileStore_RecoverStagingIgnoresFreshEntries(t *testing.T) {
	s := newTestFileStore(t)
	stage := filepath.Join(s.Root(), "history", ".staging", "abc.1")
	require.NoError(t, os.MkdirAll(stage, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stage, "request_abc.json"), []byte("{}"), 0o644))

	n, err := s.RecoverStaging(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)
	require.DirExists(t, stage)
}

func TestFileStore_QuarantineOrphans(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, sampleRequest("live")))
	require.NoError(t, s.PutResponse(ctx, sampleResponse("live")))
	orphan, err := json.Marshal(sampleResponse("gone"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "responses", "gone.json"), orphan, 0o644))

	n, err := s.QuarantineOrphans(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Stats{OpenRequests: 1, OpenResponses: 1}, stats)
	_, ok, err := s.GetResponse(ctx, "live")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestContainerTime(t *testing.T) {
	require.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC), containerTime("20260102T030405.000000006Z_abc"))
	require.Equal(t, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), containerTime("20250101_120000"))
	require.True(t, containerTime("garbage").IsZero())
}

func writeLegacyRecord(t *testing.T, dir, name string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
}

func TestFileStore_HistoryReadsLegacyContainers(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	// One legacy container per second, shared by two exchanges.
	legacy := filepath.Join(s.Root(), "history", "20250101_120000")
	require.NoError(t, os.MkdirAll(legacy, 0o755))
	first := sampleRequest("aaa")
	first.Status = domain.StatusAnswered
	second := sampleRequest("bbb")
	second.Status = domain.StatusTimeout
	writeLegacyRecord(t, legacy, "request_aaa.json", first)
	writeLegacyRecord(t, legacy, "response_aaa.json", sampleResponse("aaa"))
	writeLegacyRecord(t, legacy, "request_bbb.json", second)

	// Same day, earlier and later than the legacy container.
	s.now = func() time.Time { return time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC) }
	require.NoError(t, s.PutRequest(ctx, sampleRequest("early")))
	_, err := s.Archive(ctx, "early", domain.StatusTimeout)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC) }
	require.NoError(t, s.PutRequest(ctx, sampleRequest("late")))
	_, err = s.Archive(ctx, "late", domain.StatusTimeout)
	require.NoError(t, err)

	hist, err := s.ListHistory(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(hist))
	for _, ex := range hist {
		ids = append(ids, ex.Request.ID)
	}
	require.Equal(t, []string{"late", "aaa", "bbb", "early"}, ids)
	require.NotNil(t, hist[1].Response)
	require.Equal(t, "yes", hist[1].Response.Answer)
	require.Nil(t, hist[2].Response)
	require.Equal(t, "20250101_120000", hist[2].Container)

	hist, err = s.ListHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
}
