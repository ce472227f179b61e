package retention

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/store"
)

// Sink stores archived partitions as gzip JSON lines. Keys are slash
// separated.
type Sink interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Lines returns the JSON lines of an existing archive object.
	Lines(ctx context.Context, key string) ([]string, error)
	Write(ctx context.Context, key string, part store.Partition) error
}

// ObjectKey is the first archive key of one table and date.
func ObjectKey(table store.Table, date time.Time) string {
	return archiveKey(table, date, 0)
}

// archiveKey numbers the objects of one table and date. Object 0 holds the
// partition as first archived; later objects hold rows that appeared or
// changed after that.
func archiveKey(table store.Table, date time.Time, seq int) string {
	name := model.FormatDate(date)
	if seq > 0 {
		name += "." + strconv.Itoa(seq)
	}
	return path.Join(string(table), name+".jsonl.gz")
}

// partitionLines encodes every row as one JSON line, without the newline.
func partitionLines(part store.Partition) ([]string, error) {
	lines := make([]string, 0, part.Len())
	for _, obs := range part.Observations {
		b, err := json.Marshal(obs)
		if err != nil {
			return nil, fmt.Errorf("encode observation: %w", err)
		}
		lines = append(lines, string(b))
	}
	for _, rec := range part.Settlements {
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode settlement: %w", err)
		}
		lines = append(lines, string(b))
	}
	return lines, nil
}

// unarchived returns the rows of part whose encoding is not in archived.
func unarchived(part store.Partition, archived map[string]bool) (store.Partition, error) {
	out := store.Partition{Table: part.Table, Date: part.Date}
	lines, err := partitionLines(part)
	if err != nil {
		return out, err
	}
	for i, line := range lines {
		if archived[line] {
			continue
		}
		if i < len(part.Observations) {
			out.Observations = append(out.Observations, part.Observations[i])
		} else {
			out.Settlements = append(out.Settlements, part.Settlements[i-len(part.Observations)])
		}
	}
	return out, nil
}

// encodePartition writes the partition as gzip-compressed JSON lines, one row
// per line.
func encodePartition(w io.Writer, part store.Partition) error {
	lines, err := partitionLines(part)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(w)
	for _, line := range lines {
		if _, err := io.WriteString(gz, line+"\n"); err != nil {
			gz.Close()
			return err
		}
	}
	return gz.Close()
}

// decodeLines reads gzip JSON lines written by encodePartition.
func decodeLines(r io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	var lines []string
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}
	return lines, nil
}

// FileSink archives to a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates a FileSink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

// Exists implements Sink.
func (s *FileSink) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Lines implements Sink.
func (s *FileSink) Lines(_ context.Context, key string) ([]string, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeLines(f)
}

// Write implements Sink. The file appears atomically: it is written to a
// temporary file in the same directory and renamed into place.
func (s *FileSink) Write(ctx context.Context, key string, part store.Partition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := encodePartition(tmp, part); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
