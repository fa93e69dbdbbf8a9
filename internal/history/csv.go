// Package history reads historical OHLCV candle series from CSV files.
package history

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"moexbot/internal/core"
)

// CSVStore implements core.HistoryStore over a directory of CSV files.
// Files are resolved per symbol using, in order:
//
//	SYMBOL_interval_NDd.csv, SYMBOL_interval.csv, SYMBOL.csv,
//	then any SYMBOL_interval_*d.csv by glob.
//
// A symbol with no file yields an empty series, not an error.
type CSVStore struct {
	dataDir string
	logger  *zap.SugaredLogger
}

// NewCSVStore creates a store rooted at dataDir.
func NewCSVStore(dataDir string, logger *zap.SugaredLogger) *CSVStore {
	return &CSVStore{
		dataDir: dataDir,
		logger:  logger.With("component", "history"),
	}
}

// LoadHistory implements core.HistoryStore. Rows are sorted by time and
// de-duplicated, keeping the last row per timestamp.
func (s *CSVStore) LoadHistory(symbol, interval string, days int) (core.Series, error) {
	path := s.resolveFile(strings.ToUpper(symbol), interval, days)
	if path == "" {
		return nil, nil
	}
	series, err := s.readFile(path)
	if err != nil {
		s.logger.Warnw("failed to load history", "symbol", symbol, "path", path, "error", err)
		return nil, nil
	}

	sort.SliceStable(series, func(i, j int) bool { return series[i].Time.Before(series[j].Time) })
	deduped := series[:0]
	for i, c := range series {
		if i+1 < len(series) && series[i+1].Time.Equal(c.Time) {
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped, nil
}

func (s *CSVStore) resolveFile(symbol, interval string, days int) string {
	if s.dataDir == "" {
		return ""
	}
	candidates := []string{
		filepath.Join(s.dataDir, fmt.Sprintf("%s_%s_%dd.csv", symbol, interval, days)),
		filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.csv", symbol, interval)),
		filepath.Join(s.dataDir, fmt.Sprintf("%s.csv", symbol)),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	matches, err := filepath.Glob(filepath.Join(s.dataDir, fmt.Sprintf("%s_%s_*d.csv", symbol, interval)))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[0]
}

func (s *CSVStore) readFile(path string) (core.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, nil
	}

	cols := columnIndex(records[0])
	closeIdx, ok := cols.close()
	if !ok {
		return nil, fmt.Errorf("no close column in %s", filepath.Base(path))
	}

	series := make(core.Series, 0, len(records)-1)
	for _, row := range records[1:] {
		candle, ok := parseRow(row, cols, closeIdx)
		if !ok {
			continue
		}
		series = append(series, candle)
	}
	return series, nil
}

type columns map[string]int

func columnIndex(header []string) columns {
	cols := make(columns, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func (c columns) close() (int, bool) {
	for _, name := range []string{"close", "c", "last", "price"} {
		if idx, ok := c[name]; ok {
			return idx, true
		}
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseRow(row []string, cols columns, closeIdx int) (core.Candle, bool) {
	if closeIdx >= len(row) {
		return core.Candle{}, false
	}
	closePrice, err := decimal.NewFromString(strings.TrimSpace(row[closeIdx]))
	if err != nil {
		return core.Candle{}, false
	}

	candle := core.Candle{Close: closePrice}
	if idx, ok := cols["datetime"]; ok && idx < len(row) {
		candle.Time = parseTime(row[idx])
	} else if idx, ok := cols["time"]; ok && idx < len(row) {
		candle.Time = parseTime(row[idx])
	} else if idx, ok := cols["date"]; ok && idx < len(row) {
		candle.Time = parseTime(row[idx])
	}
	candle.Open = parseField(row, cols, "open", closePrice)
	candle.High = parseField(row, cols, "high", closePrice)
	candle.Low = parseField(row, cols, "low", closePrice)
	candle.Volume = parseField(row, cols, "volume", decimal.Zero)
	return candle, true
}

func parseField(row []string, cols columns, name string, fallback decimal.Decimal) decimal.Decimal {
	idx, ok := cols[name]
	if !ok || idx >= len(row) {
		return fallback
	}
	value, err := decimal.NewFromString(strings.TrimSpace(row[idx]))
	if err != nil {
		return fallback
	}
	return value
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
