package backfill

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/crunchkit/coordinator/internal/entity"
)

// parquetRow is the flattened on-disk shape: candle value columns plus
// a JSON meta column for everything non-standard. Event time is UTC
// microseconds.
type parquetRow struct {
	TsEvent     int64   `parquet:"ts_event"`
	Source      string  `parquet:"source"`
	Subject     string  `parquet:"subject"`
	Kind        string  `parquet:"kind"`
	Granularity string  `parquet:"granularity"`
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      float64 `parquet:"volume"`
	Meta        string  `parquet:"meta"`
}

// standardValueColumns are flattened out of the values map; the rest
// lands in the meta JSON column.
var standardValueColumns = []string{"open", "high", "low", "close", "volume"}

// ParquetSink writes feed records to Hive-partitioned daily parquet
// files: {dir}/{source}/{subject}/{kind}/{granularity}/YYYY-MM-DD.parquet.
// Appends merge with the existing day file, deduplicate on event time,
// and keep rows sorted.
type ParquetSink struct {
	dir string
}

// NewParquetSink builds a sink rooted at dir.
func NewParquetSink(dir string) *ParquetSink {
	return &ParquetSink{dir: dir}
}

// AppendRecords writes records grouped per scope and day.
func (s *ParquetSink) AppendRecords(records []entity.FeedRecord) (int, error) {
	grouped := make(map[string][]entity.FeedRecord)

	for _, record := range records {
		path := s.filePath(record)
		grouped[path] = append(grouped[path], record)
	}

	for path, group := range grouped {
		mergeErr := s.writeOrMerge(path, group)
		if mergeErr != nil {
			return 0, mergeErr
		}
	}

	return len(records), nil
}

// FileInfo describes one parquet file in the manifest.
type FileInfo struct {
	Path      string `json:"path"`
	Records   int64  `json:"records"`
	SizeBytes int64  `json:"size_bytes"`
	Date      string `json:"date"`
}

// ListFiles returns the manifest of all parquet files under the sink,
// sorted by relative path.
func (s *ParquetSink) ListFiles() ([]FileInfo, error) {
	var manifest []FileInfo

	walkErr := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".parquet") {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}

		rel, relErr := filepath.Rel(s.dir, path)
		if relErr != nil {
			return nil
		}

		rows, readErr := parquet.ReadFile[parquetRow](path)
		if readErr != nil {
			return nil
		}

		manifest = append(manifest, FileInfo{
			Path:      filepath.ToSlash(rel),
			Records:   int64(len(rows)),
			SizeBytes: info.Size(),
			Date:      strings.TrimSuffix(d.Name(), ".parquet"),
		})

		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return nil, fmt.Errorf("walk parquet dir: %w", walkErr)
	}

	sort.Slice(manifest, func(i, j int) bool { return manifest[i].Path < manifest[j].Path })

	return manifest, nil
}

// Resolve maps a manifest-relative path to an absolute parquet file
// path, or "" when it does not exist. Paths escaping the sink root are
// rejected.
func (s *ParquetSink) Resolve(relPath string) string {
	if !strings.HasSuffix(relPath, ".parquet") {
		return ""
	}

	clean := filepath.Clean(filepath.FromSlash(relPath))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return ""
	}

	full := filepath.Join(s.dir, clean)

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return ""
	}

	return full
}

// ReadRecords loads one manifest-relative parquet file back into feed
// records.
func (s *ParquetSink) ReadRecords(relPath string) ([]entity.FeedRecord, error) {
	full := s.Resolve(relPath)
	if full == "" {
		return nil, fmt.Errorf("%w: parquet file %s", os.ErrNotExist, relPath)
	}

	rows, err := parquet.ReadFile[parquetRow](full)
	if err != nil {
		return nil, fmt.Errorf("read parquet file: %w", err)
	}

	records := make([]entity.FeedRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, fromParquetRow(row))
	}

	return records, nil
}

func (s *ParquetSink) filePath(record entity.FeedRecord) string {
	day := record.TsEvent.UTC().Format("2006-01-02")

	return filepath.Join(
		s.dir, record.Source, record.Subject, record.Kind, record.Granularity,
		day+".parquet",
	)
}

func (s *ParquetSink) writeOrMerge(path string, records []entity.FeedRecord) error {
	rows := make([]parquetRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, toParquetRow(record))
	}

	existing, readErr := parquet.ReadFile[parquetRow](path)
	if readErr == nil {
		rows = append(existing, rows...)
	}

	rows = dedupeSortRows(rows)

	mkdirErr := os.MkdirAll(filepath.Dir(path), 0o755)
	if mkdirErr != nil {
		return fmt.Errorf("create parquet dir: %w", mkdirErr)
	}

	file, createErr := os.Create(path)
	if createErr != nil {
		return fmt.Errorf("create parquet file: %w", createErr)
	}

	writer := parquet.NewGenericWriter[parquetRow](file)

	_, writeErr := writer.Write(rows)
	if writeErr != nil {
		_ = file.Close()

		return fmt.Errorf("write parquet rows: %w", writeErr)
	}

	closeErr := writer.Close()
	if closeErr != nil {
		_ = file.Close()

		return fmt.Errorf("close parquet writer: %w", closeErr)
	}

	return file.Close()
}

// dedupeSortRows keeps the last row per event time and sorts ascending.
func dedupeSortRows(rows []parquetRow) []parquetRow {
	byTs := make(map[int64]parquetRow, len(rows))
	for _, row := range rows {
		byTs[row.TsEvent] = row
	}

	out := make([]parquetRow, 0, len(byTs))
	for _, row := range byTs {
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TsEvent < out[j].TsEvent })

	return out
}

func toParquetRow(record entity.FeedRecord) parquetRow {
	row := parquetRow{
		TsEvent:     record.TsEvent.UTC().UnixMicro(),
		Source:      record.Source,
		Subject:     record.Subject,
		Kind:        record.Kind,
		Granularity: record.Granularity,
	}

	extra := make(map[string]any)

	for key, value := range record.Values {
		num, numeric := entity.AsNumber(value)

		switch {
		case key == "open" && numeric:
			row.Open = num
		case key == "high" && numeric:
			row.High = num
		case key == "low" && numeric:
			row.Low = num
		case key == "close" && numeric:
			row.Close = num
		case key == "volume" && numeric:
			row.Volume = num
		default:
			extra[key] = value
		}
	}

	for key, value := range record.Meta {
		extra[key] = value
	}

	if len(extra) > 0 {
		raw, err := json.Marshal(extra)
		if err == nil {
			row.Meta = string(raw)
		}
	}

	return row
}

// fromParquetRow rebuilds a feed record from its flattened shape.
func fromParquetRow(row parquetRow) entity.FeedRecord {
	values := map[string]any{
		"open":   row.Open,
		"high":   row.High,
		"low":    row.Low,
		"close":  row.Close,
		"volume": row.Volume,
	}

	var meta map[string]any

	if row.Meta != "" {
		_ = json.Unmarshal([]byte(row.Meta), &meta)
	}

	ts := time.UnixMicro(row.TsEvent).UTC()

	record := entity.FeedRecord{
		ID:          entity.FeedRecordID(row.Source, row.Subject, row.Kind, row.Granularity, ts),
		Source:      row.Source,
		Subject:     row.Subject,
		Kind:        row.Kind,
		Granularity: row.Granularity,
		TsEvent:     ts,
		Values:      values,
		Meta:        meta,
	}

	return record
}
