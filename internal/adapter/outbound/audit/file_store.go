// Package audit provides file-based audit persistence: JSON Lines, daily
// rotation, size caps, retention cleanup and a cache of recent records.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/audit"
)

const dateLayout = "2006-01-02"

// auditFilePattern matches audit filenames: audit-YYYY-MM-DD.jsonl or
// audit-YYYY-MM-DD-N.jsonl.
var auditFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.jsonl$`)

// auditFileInfo holds parsed information about an audit file.
type auditFileInfo struct {
	name   string
	date   string
	suffix int
}

func parseAuditFilename(name string) (auditFileInfo, bool) {
	matches := auditFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return auditFileInfo{}, false
	}
	info := auditFileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return auditFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// sortAuditFiles sorts by date then suffix (chronological order).
func sortAuditFiles(files []auditFileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

func buildFilename(date string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("audit-%s.jsonl", date)
	}
	return fmt.Sprintf("audit-%s-%d.jsonl", date, suffix)
}

// FileConfig configures the file-based audit store.
type FileConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string
	// RetentionDays is the number of days to keep audit files (default 30).
	RetentionDays int
	// MaxFileSizeMB is the file size that triggers rotation (default 100).
	MaxFileSizeMB int
	// CacheSize is the number of recent records kept in memory (default 1000).
	CacheSize int
}

// FileStore implements audit.Store with file rotation, retention and cache.
type FileStore struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	clock         quartz.Clock
	logger        *slog.Logger
	cache         *recordCache

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool

	cancel  context.CancelFunc
	cleaner quartz.Waiter
}

// NewFileStore creates the directory if needed, opens today's file, removes
// expired files, fills the cache from the newest file and schedules hourly
// retention cleanup.
func NewFileStore(cfg FileConfig, clock quartz.Clock, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &FileStore{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		clock:         clock,
		logger:        logger,
		cache:         newRecordCache(cfg.CacheSize),
	}

	if err := s.openCurrentFile(clock.Now().UTC().Format(dateLayout)); err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s.runCleanup()
	s.populateCache()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.cleaner = clock.TickerFunc(ctx, time.Hour, func() error {
		s.runCleanup()
		return nil
	}, "audit", "cleanup")

	return s, nil
}

// Append writes records as JSON Lines, rotating on date change and size.
func (s *FileStore) Append(_ context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audit store closed")
	}

	for _, rec := range records {
		if date := rec.Timestamp.UTC().Format(dateLayout); date != s.currentDate {
			if err := s.rotateLocked(date, 0); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.rotateLocked(s.currentDate, s.currentSuffix+1); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		n, err := s.currentFile.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		s.currentSize += int64(n)

		s.cache.Add(rec)
	}
	return nil
}

// Flush syncs the current file to disk.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close stops the cleanup ticker and closes the current file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()

	var err error
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err = s.currentFile.Close()
		s.currentFile = nil
	}
	s.mu.Unlock()

	// The ticker callback takes no lock, so waiting after unlocking is safe.
	_ = s.cleaner.Wait()
	return err
}

// Recent returns the last n records, newest first.
func (s *FileStore) Recent(n int) []audit.Record {
	return s.cache.Recent(n)
}

// openCurrentFile opens the file for date with the highest existing suffix.
func (s *FileStore) openCurrentFile(date string) error {
	suffix := s.findHighestSuffix(date)
	f, size, err := s.openFile(date, suffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentDate = date
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

func (s *FileStore) findHighestSuffix(date string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := parseAuditFilename(e.Name())
		if ok && info.date == date && info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

// openFile opens an audit file for appending and returns its current size.
func (s *FileStore) openFile(date string, suffix int) (*os.File, int64, error) {
	name := buildFilename(date, suffix)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", name, err)
	}
	return f, info.Size(), nil
}

// rotateLocked closes the current file and opens date/suffix.
// Must be called with s.mu held.
func (s *FileStore) rotateLocked(date string, suffix int) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	f, size, err := s.openFile(date, suffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentDate = date
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

// runCleanup deletes audit files older than the retention period.
func (s *FileStore) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audit cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	// Dates are zero-padded, so string order is chronological order.
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -s.retentionDays).Format(dateLayout)
	deleted := 0
	for _, e := range entries {
		info, ok := parseAuditFilename(e.Name())
		if !ok || info.date >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Error("audit cleanup: failed to delete file", "file", e.Name(), "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("audit cleanup completed", "deleted", deleted)
	}
}

// populateCache fills the cache from the most recent non-empty file.
func (s *FileStore) populateCache() {
	newest := s.findMostRecentFile()
	if newest == "" {
		return
	}

	f, err := os.Open(filepath.Join(s.dir, newest))
	if err != nil {
		s.logger.Error("audit cache: failed to open file", "file", newest, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	var records []audit.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec audit.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("audit cache: skipping malformed line", "file", newest, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("audit cache: error reading file", "file", newest, "error", err)
	}

	start := max(len(records)-s.cache.size, 0)
	for _, rec := range records[start:] {
		s.cache.Add(rec)
	}
}

func (s *FileStore) findMostRecentFile() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}
	var files []auditFileInfo
	for _, e := range entries {
		info, ok := parseAuditFilename(e.Name())
		if !ok {
			continue
		}
		if fi, err := e.Info(); err != nil || fi.Size() == 0 {
			continue
		}
		files = append(files, info)
	}
	if len(files) == 0 {
		return ""
	}
	sortAuditFiles(files)
	return files[len(files)-1].name
}

var _ audit.Store = (*FileStore)(nil)

// recordCache is a ring buffer of recent audit records.
type recordCache struct {
	mu      sync.RWMutex
	entries []audit.Record
	size    int
	head    int
	count   int
}

func newRecordCache(size int) *recordCache {
	if size <= 0 {
		size = 1000
	}
	return &recordCache{entries: make([]audit.Record, size), size: size}
}

// Add stores rec, overwriting the oldest entry when full.
func (c *recordCache) Add(rec audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.head] = rec
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Recent returns the last n entries, newest first.
func (c *recordCache) Recent(n int) []audit.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || c.count == 0 {
		return nil
	}
	n = min(n, c.count)

	result := make([]audit.Record, n)
	for i := 0; i < n; i++ {
		// head is the next write position, so head-1 is the newest.
		result[i] = c.entries[(c.head-1-i+c.size)%c.size]
	}
	return result
}

// Len returns the number of cached records.
func (c *recordCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}
