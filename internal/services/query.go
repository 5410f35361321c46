package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaalot/apiserver/internal/calendar"
	"github.com/shaalot/apiserver/internal/storage"
	"github.com/shaalot/apiserver/internal/store"
	"github.com/shaalot/apiserver/types"
	"github.com/sirupsen/logrus"
)

const (
	exportContentType = "application/x-ndjson"
	exportPrefix      = "audit-exports/"
)

// ErrStreamConsumed is yielded when an ActionStream is iterated twice.
var ErrStreamConsumed = errors.New("action stream already consumed")

// ObjectStore receives audit exports. *storage.Storage satisfies it.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
	Bucket() string
}

// AuditQueryService reads the audit log. Reads are never retried.
type AuditQueryService struct {
	actions      ActionLogRepository
	exports      ObjectStore
	defaultLimit int
	maxLimit     int
	opts         Options
}

// NewAuditQueryService wires the query side. exports may be nil, which
// disables Export.
func NewAuditQueryService(actions ActionLogRepository, exports ObjectStore, defaultLimit, maxLimit int, opts Options) *AuditQueryService {
	if maxLimit <= 0 {
		maxLimit = 500
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(50, maxLimit)
	}
	return &AuditQueryService{
		actions:      actions,
		exports:      exports,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		opts:         opts.withDefaults(),
	}
}

// QueryActions opens a lazy, newest-first stream over the matching records.
// The caller must consume or Close the stream.
func (s *AuditQueryService) QueryActions(ctx context.Context, filter types.ActionLogFilter) (*ActionStream, error) {
	limit, err := s.limitFor(filter)
	if err != nil {
		return nil, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	ctx, cancel := s.opts.withTimeout(ctx)
	started := time.Now()
	rows, err := s.actions.Query(ctx, filter, limit)
	s.opts.Metrics.QueryDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		cancel()
		return nil, fromStore(err, "actions")
	}
	return &ActionStream{rows: rows, cancel: cancel, now: s.opts.Now, limit: limit}, nil
}

func (s *AuditQueryService) limitFor(filter types.ActionLogFilter) (int, error) {
	if filter.Limit == nil {
		return s.defaultLimit, nil
	}
	if *filter.Limit <= 0 {
		return 0, validationError("limit must be positive")
	}
	return min(*filter.Limit, s.maxLimit), nil
}

func validateFilter(filter types.ActionLogFilter) error {
	if filter.ActionType != nil && !filter.ActionType.Valid() {
		return validationError("unknown action type %q", *filter.ActionType)
	}
	if filter.StartDate != nil && filter.EndDate != nil && filter.StartDate.After(*filter.EndDate) {
		return validationError("startDate must not be after endDate")
	}
	if filter.After != nil && (strings.TrimSpace(filter.After.ID) == "" || filter.After.Timestamp.IsZero()) {
		return validationError("cursor is incomplete")
	}
	return nil
}

// ActionStream is a finite, one-shot sequence of audit records. RelativeTime
// is computed as each record is read.
type ActionStream struct {
	rows   store.ActionIterator
	cancel context.CancelFunc
	now    func() time.Time
	limit  int

	mu       sync.Mutex
	consumed bool
	last     *types.AdminActionLog
	count    int
}

// All yields each record in order. A second call yields ErrStreamConsumed
// once and stops. Stopping early releases the underlying rows.
func (s *ActionStream) All() iter.Seq2[types.AdminActionLog, error] {
	return func(yield func(types.AdminActionLog, error) bool) {
		s.mu.Lock()
		if s.consumed {
			s.mu.Unlock()
			yield(types.AdminActionLog{}, ErrStreamConsumed)
			return
		}
		s.consumed = true
		s.mu.Unlock()
		defer s.Close()

		for s.rows.Next() {
			record, err := s.rows.Action()
			if err != nil {
				yield(types.AdminActionLog{}, fromStore(err, "action"))
				return
			}
			record.RelativeTime = calendar.Relative(record.Timestamp, s.now())
			s.last = &record
			s.count++
			if !yield(record, nil) {
				return
			}
		}
		if err := s.rows.Err(); err != nil {
			yield(types.AdminActionLog{}, fromStore(err, "actions"))
		}
	}
}

// Collect drains the stream into a slice.
func (s *ActionStream) Collect() ([]types.AdminActionLog, error) {
	records := make([]types.AdminActionLog, 0)
	for record, err := range s.All() {
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// NextCursor returns the position after the last yielded record when the
// stream filled its page, or nil when there is nothing more to read.
func (s *ActionStream) NextCursor() *types.ActionCursor {
	if s.last == nil || s.count < s.limit {
		return nil
	}
	return &types.ActionCursor{Timestamp: s.last.Timestamp, ID: s.last.ID}
}

// Close releases the rows. It is safe to call more than once.
func (s *ActionStream) Close() error {
	err := s.rows.Close()
	s.cancel()
	return err
}

// ExportResult locates a finished export.
type ExportResult struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Records int    `json:"records"`
}

// Export writes every record matching filter as JSON Lines to object
// storage, paging through the log with the keyset cursor. filter.Limit, when
// set, caps the total number of records exported.
func (s *AuditQueryService) Export(ctx context.Context, filter types.ActionLogFilter) (ExportResult, error) {
	if s.exports == nil {
		return ExportResult{}, &Error{Kind: KindUpstream, Message: "object storage is not configured"}
	}
	remaining := -1
	if filter.Limit != nil {
		if *filter.Limit <= 0 {
			return ExportResult{}, validationError("limit must be positive")
		}
		remaining = *filter.Limit
	}
	if err := validateFilter(filter); err != nil {
		return ExportResult{}, err
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	total := 0
	page := filter
	for remaining != 0 {
		pageLimit := s.maxLimit
		if remaining > 0 {
			pageLimit = min(remaining, s.maxLimit)
		}
		page.Limit = &pageLimit

		stream, err := s.QueryActions(ctx, page)
		if err != nil {
			return ExportResult{}, err
		}
		for record, err := range stream.All() {
			if err != nil {
				return ExportResult{}, err
			}
			if err := encoder.Encode(record); err != nil {
				return ExportResult{}, &Error{Kind: KindInternal, Message: "encode export", Err: err}
			}
			total++
			if remaining > 0 {
				remaining--
			}
		}
		cursor := stream.NextCursor()
		if cursor == nil {
			break
		}
		page.After = cursor
	}

	now := s.opts.now()
	key := fmt.Sprintf("%s%s/%s.jsonl", exportPrefix, now.Format("2006/01/02"), uuid.NewString())
	err := s.opts.withRetry(ctx, "export_actions", func(ctx context.Context) error {
		if err := s.exports.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), exportContentType); err != nil {
			return &Error{Kind: KindUpstream, Message: "upload export", Err: err}
		}
		return nil
	})
	if err != nil {
		return ExportResult{}, err
	}

	s.opts.Logger.WithFields(logrus.Fields{
		"key":     key,
		"records": total,
	}).Info("audit log exported")
	return ExportResult{Bucket: s.exports.Bucket(), Key: key, Records: total}, nil
}

// OpenExport streams a previous export back to the caller.
func (s *AuditQueryService) OpenExport(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := s.exportKey(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.exports.Get(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, notFoundError("export %q not found", key)
	}
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Message: "open export", Err: err}
	}
	return reader, nil
}

// ListExports returns the stored exports, newest first.
func (s *AuditQueryService) ListExports(ctx context.Context) ([]storage.ObjectInfo, error) {
	if s.exports == nil {
		return nil, &Error{Kind: KindUpstream, Message: "object storage is not configured"}
	}
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	objects, err := s.exports.List(ctx, exportPrefix)
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Message: "list exports", Err: err}
	}
	if objects == nil {
		objects = []storage.ObjectInfo{}
	}
	return objects, nil
}

// DeleteExport removes a previous export.
func (s *AuditQueryService) DeleteExport(ctx context.Context, key string) error {
	key, err := s.exportKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	if err := s.exports.Delete(ctx, key); err != nil {
		return &Error{Kind: KindUpstream, Message: "delete export", Err: err}
	}
	s.opts.Logger.WithField("key", key).Info("audit export deleted")
	return nil
}

func (s *AuditQueryService) exportKey(key string) (string, error) {
	if s.exports == nil {
		return "", &Error{Kind: KindUpstream, Message: "object storage is not configured"}
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if !strings.HasPrefix(key, exportPrefix) || strings.Contains(key, "..") {
		return "", validationError("invalid export key")
	}
	return key, nil
}
