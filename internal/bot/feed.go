package bot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// feedLine is one JSONL record: a forecast, or a completed bar when "bar" is set
type feedLine struct {
	types.Forecast
	Bar *types.OHLCV `json:"bar,omitempty"`
}

// ReplayFile feeds a JSONL file of forecasts and bars into the engine
func (e *Engine) ReplayFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open forecast feed: %w", err)
	}
	defer f.Close()
	return e.Replay(ctx, f)
}

// Replay reads JSONL records in order, waiting for queue space instead of
// dropping. Malformed lines are logged and skipped. It returns the number of
// records queued.
func (e *Engine) Replay(ctx context.Context, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	queued, lineNo := 0, 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var rec feedLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			e.log.LogWarning("feed", "line %d: %v", lineNo, err)
			continue
		}

		item := feedItem{instrument: rec.Instrument}
		if rec.Bar != nil {
			item.bar = rec.Bar
		} else {
			fc := rec.Forecast
			item.forecast = &fc
		}

		select {
		case e.feed <- item:
			queued++
		case <-ctx.Done():
			return queued, ctx.Err()
		case <-e.stopChan:
			return queued, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return queued, fmt.Errorf("failed to read forecast feed: %w", err)
	}
	return queued, nil
}
