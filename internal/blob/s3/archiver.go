package s3blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/collectex/internal/domain"
)

const (
	snapshotPrefix = "snapshots/"

	metaChecksum = "sha256"
	metaEventSeq = "event-seq"
	metaOrders   = "orders"
)

// ErrChecksumMismatch is returned when a downloaded snapshot does not hash to
// the checksum recorded at upload.
var ErrChecksumMismatch = errors.New("s3blob: snapshot checksum mismatch")

// SnapshotSource returns the ledger state to archive.
type SnapshotSource func() domain.LedgerState

// BlobDeleter removes stored objects.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// Archiver implements domain.SnapshotArchiver. Each snapshot is one JSON
// object keyed by its UTC timestamp, so lexical key order is time order.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	deleter BlobDeleter
	source  SnapshotSource
	audit   domain.AuditStore
	logger  *slog.Logger

	// keep is how many snapshots survive pruning; zero keeps all.
	keep int
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	source SnapshotSource,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		source: source,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// WithRetention prunes all but the newest keep snapshots after each
// archive.
func (a *Archiver) WithRetention(deleter BlobDeleter, keep int) *Archiver {
	a.deleter = deleter
	a.keep = keep
	return a
}

// snapshotPath builds the key for a snapshot taken at at:
//
//	snapshots/2026/10/19/20261019T101500.000000000Z.json
func snapshotPath(at time.Time) string {
	at = at.UTC()
	return snapshotPrefix + at.Format("2006/01/02/") + at.Format("20060102T150405.000000000Z") + ".json"
}

// ArchiveSnapshot uploads the current ledger state and returns its path.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, at time.Time) (string, error) {
	st := a.source()
	buf, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot marshal: %w", err)
	}

	path := snapshotPath(at)
	sum := sha256.Sum256(buf)
	obj := domain.BlobObject{
		Path:        path,
		ContentType: "application/json",
		Size:        int64(len(buf)),
		Metadata: map[string]string{
			metaChecksum: hex.EncodeToString(sum[:]),
			metaEventSeq: strconv.FormatUint(st.Params.EventSeq, 10),
			metaOrders:   strconv.Itoa(len(st.Orders)),
		},
	}
	if err := a.writer.Put(ctx, obj, bytes.NewReader(buf)); err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot upload: %w", err)
	}

	a.logger.InfoContext(ctx, "s3blob: snapshot archived",
		slog.String("path", path),
		slog.Int("bytes", len(buf)),
		slog.Int("orders", len(st.Orders)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.snapshot", map[string]any{
			"path":      path,
			"bytes":     len(buf),
			"event_seq": st.Params.EventSeq,
		}); err != nil {
			a.logger.WarnContext(ctx, "s3blob: audit log failed", slog.String("error", err.Error()))
		}
	}
	if err := a.prune(ctx); err != nil {
		a.logger.WarnContext(ctx, "s3blob: prune snapshots failed", slog.String("error", err.Error()))
	}
	return path, nil
}

func (a *Archiver) snapshots(ctx context.Context) ([]string, error) {
	infos, err := a.reader.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			paths = append(paths, info.Path)
		}
	}
	slices.Sort(paths)
	return paths, nil
}

func (a *Archiver) prune(ctx context.Context) error {
	if a.deleter == nil || a.keep <= 0 {
		return nil
	}
	paths, err := a.snapshots(ctx)
	if err != nil {
		return err
	}
	if len(paths) <= a.keep {
		return nil
	}
	for _, p := range paths[:len(paths)-a.keep] {
		if err := a.deleter.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// LatestSnapshot downloads and decodes the newest snapshot. It returns
// domain.ErrNotFound when none has been archived and ErrChecksumMismatch when
// the body no longer matches its recorded checksum. Objects uploaded without
// a checksum are decoded unverified.
func (a *Archiver) LatestSnapshot(ctx context.Context) (domain.LedgerState, error) {
	paths, err := a.snapshots(ctx)
	if err != nil {
		return domain.LedgerState{}, fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	if len(paths) == 0 {
		return domain.LedgerState{}, fmt.Errorf("s3blob: latest snapshot: %w", domain.ErrNotFound)
	}
	latest := paths[len(paths)-1]
	body, meta, err := a.reader.Get(ctx, latest)
	if err != nil {
		return domain.LedgerState{}, fmt.Errorf("s3blob: latest snapshot: %w", err)
	}
	defer body.Close()

	buf, err := io.ReadAll(body)
	if err != nil {
		return domain.LedgerState{}, fmt.Errorf("s3blob: read snapshot %s: %w", latest, err)
	}
	if want := meta[metaChecksum]; want != "" {
		sum := sha256.Sum256(buf)
		if got := hex.EncodeToString(sum[:]); got != want {
			return domain.LedgerState{}, fmt.Errorf("%w: %s has %s, recorded %s", ErrChecksumMismatch, latest, got, want)
		}
	}

	var st domain.LedgerState
	if err := json.Unmarshal(buf, &st); err != nil {
		return domain.LedgerState{}, fmt.Errorf("s3blob: decode snapshot %s: %w", latest, err)
	}
	return st, nil
}

// Run archives a snapshot every interval until ctx is done.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := a.ArchiveSnapshot(ctx, now); err != nil {
				a.logger.ErrorContext(ctx, "s3blob: periodic archive failed", slog.String("error", err.Error()))
			}
		}
	}
}

var _ domain.SnapshotArchiver = (*Archiver)(nil)
