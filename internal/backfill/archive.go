package backfill

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/crunchkit/coordinator/internal/entity"
)

// archiveSuffix names compressed retention archives.
const archiveSuffix = ".jsonl.lz4"

// Archive cold-stores feed records the retention sweep is about to
// prune, as lz4-compressed JSON lines, one file per sweep.
type Archive struct {
	dir string
}

// NewArchive builds an archive rooted at dir.
func NewArchive(dir string) *Archive {
	return &Archive{dir: dir}
}

// Write stores records into a new archive file stamped with the sweep
// time and returns its path. No records writes nothing.
func (a *Archive) Write(records []entity.FeedRecord, now time.Time) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	mkdirErr := os.MkdirAll(a.dir, 0o755)
	if mkdirErr != nil {
		return "", fmt.Errorf("create archive dir: %w", mkdirErr)
	}

	name := "retention-" + now.UTC().Format("20060102T150405") + archiveSuffix
	path := filepath.Join(a.dir, name)

	file, createErr := os.Create(path)
	if createErr != nil {
		return "", fmt.Errorf("create archive file: %w", createErr)
	}

	compressor := lz4.NewWriter(file)
	writer := bufio.NewWriter(compressor)
	encoder := json.NewEncoder(writer)

	for _, record := range records {
		encodeErr := encoder.Encode(record)
		if encodeErr != nil {
			_ = file.Close()

			return "", fmt.Errorf("encode archive record: %w", encodeErr)
		}
	}

	flushErr := writer.Flush()
	if flushErr != nil {
		_ = file.Close()

		return "", fmt.Errorf("flush archive: %w", flushErr)
	}

	closeErr := compressor.Close()
	if closeErr != nil {
		_ = file.Close()

		return "", fmt.Errorf("close archive compressor: %w", closeErr)
	}

	syncErr := file.Close()
	if syncErr != nil {
		return "", fmt.Errorf("close archive file: %w", syncErr)
	}

	return path, nil
}

// Read loads every record from one archive file.
func (a *Archive) Read(path string) ([]entity.FeedRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	defer func() { _ = file.Close() }()

	decoder := json.NewDecoder(lz4.NewReader(file))

	var records []entity.FeedRecord

	for decoder.More() {
		var record entity.FeedRecord

		decodeErr := decoder.Decode(&record)
		if decodeErr != nil {
			return nil, fmt.Errorf("decode archive record: %w", decodeErr)
		}

		records = append(records, record)
	}

	return records, nil
}

// List returns archive file paths sorted by name, oldest sweep first.
func (a *Archive) List() ([]string, error) {
	var paths []string

	walkErr := filepath.WalkDir(a.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, archiveSuffix) {
			return nil
		}

		paths = append(paths, path)

		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return nil, fmt.Errorf("walk archive dir: %w", walkErr)
	}

	sort.Strings(paths)

	return paths, nil
}
