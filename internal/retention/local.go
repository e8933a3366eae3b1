package retention

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// LocalDriver writes each backup as a single-line JSONL file.
//
// Directory structure:
//
//	{basePath}/{agentID}/{backupID}.jsonl[.gz]
type LocalDriver struct {
	basePath string
	compress bool
	mu       sync.Mutex
}

// NewLocalDriver creates a file-based driver. If basePath is empty it
// defaults to "~/.agentfleet/backups".
func NewLocalDriver(basePath string, compress bool) *LocalDriver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/agentfleet/backups"
		} else {
			basePath = filepath.Join(home, ".agentfleet", "backups")
		}
	}
	return &LocalDriver{basePath: basePath, compress: compress}
}

func (d *LocalDriver) Kind() string { return "local" }

func (d *LocalDriver) Save(_ context.Context, rec *models.BackupRecord) (string, error) {
	if err := checkPathSegment(rec.AgentID); err != nil {
		return "", err
	}
	if err := checkPathSegment(rec.BackupID); err != nil {
		return "", err
	}
	dir := filepath.Join(d.basePath, rec.AgentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	filename := rec.BackupID + ".jsonl"
	if d.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	cp := cloneRecord(rec)
	cp.Location = fpath

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := writeRecord(fpath, &cp, d.compress); err != nil {
		return "", err
	}

	log.Debug().
		Str("path", fpath).
		Str("agent_id", rec.AgentID).
		Msg("Backup written to local file")
	return fpath, nil
}

func (d *LocalDriver) Load(_ context.Context, backupID string) (*models.BackupRecord, error) {
	if err := checkPathSegment(backupID); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(d.basePath, "*", backupID+".jsonl*"))
	if err != nil {
		return nil, fmt.Errorf("find backup: %w", err)
	}
	for _, m := range matches {
		if !strings.HasSuffix(m, ".tmp") {
			return readRecord(m)
		}
	}
	return nil, &models.NotFoundError{Entity: "Backup", Key: backupID}
}

func (d *LocalDriver) List(_ context.Context, agentID string) ([]models.BackupRecord, error) {
	pattern := filepath.Join(d.basePath, "*", "*.jsonl*")
	if agentID != "" {
		if err := checkPathSegment(agentID); err != nil {
			return nil, err
		}
		pattern = filepath.Join(d.basePath, agentID, "*.jsonl*")
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	out := make([]models.BackupRecord, 0, len(paths))
	for _, p := range paths {
		if strings.HasSuffix(p, ".tmp") {
			continue
		}
		rec, err := readRecord(p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("Skipping unreadable backup file")
			continue
		}
		out = append(out, *rec)
	}
	sortNewestFirst(out)
	return out, nil
}

func (d *LocalDriver) MarkExpired(ctx context.Context, now, cutoff time.Time) (int, error) {
	recs, err := d.List(ctx, "")
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for i := range recs {
		rec := &recs[i]
		if !rec.Expired(now, cutoff) {
			continue
		}
		rec.Status = models.BackupExpired
		if err := writeRecord(rec.Location, rec, strings.HasSuffix(rec.Location, ".gz")); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (d *LocalDriver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(d.basePath, 0o755); err != nil {
		return fmt.Errorf("backup path not writable: %w", err)
	}
	testFile := filepath.Join(d.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("backup path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}

// writeRecord replaces fpath through a temp file and rename.
func writeRecord(fpath string, rec *models.BackupRecord, compress bool) error {
	tmp := fpath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}

	var w io.Writer = f
	var gw *gzip.Writer
	if compress {
		gw = gzip.NewWriter(f)
		w = gw
	}
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode backup %s: %w", rec.BackupID, err)
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("compress backup %s: %w", rec.BackupID, err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close backup file: %w", err)
	}
	return os.Rename(tmp, fpath)
}

func readRecord(fpath string) (*models.BackupRecord, error) {
	f, err := os.Open(fpath)
	if err != nil {
		return nil, fmt.Errorf("open backup file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(fpath, ".gz") {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer gr.Close()
		r = gr
	}

	var rec models.BackupRecord
	if err := json.NewDecoder(bufio.NewReader(r)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode backup file %s: %w", fpath, err)
	}
	rec.Location = fpath
	return &rec, nil
}

func checkPathSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\*?[`) {
		return &models.ValidationError{Field: "id", Message: "invalid backup path segment: " + s}
	}
	return nil
}
