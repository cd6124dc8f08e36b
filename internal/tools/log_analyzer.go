package tools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const LogAnalyzerName = "LOG_ANALYZER"

// DefaultLogLineLimit caps how many matching lines LOG_ANALYZER returns.
const DefaultLogLineLimit = 50

// SampleLog is served for any file that is not readable under an allowed root.
const SampleLog = `[10:00:00] INFO System started
[10:00:01] INFO Connection established
[10:00:02] DEBUG Heartbeat received
[10:00:03] WARN Sensor calibration drift 2%
[10:00:04] INFO User logged in
[10:00:05] ERROR CRITICAL: Temperature sensor reporting 150C
[10:00:06] ERROR SAFETY_LOCK: Emergency shutdown triggered
[10:00:07] DEBUG Dump saved
[10:00:08] INFO System restarting...
`

// LogSource opens the log named by file.
type LogSource func(ctx context.Context, file string) (io.ReadCloser, error)

// LogAnalyzer streams a log line by line and keeps lines that mention the
// keyword, "error" or "critical".
type LogAnalyzer struct {
	Source LogSource
	Limit  int
	Logger *slog.Logger
}

// NewLogAnalyzer reads real files under roots and falls back to SampleLog.
func NewLogAnalyzer(roots []string, limit int, logger *slog.Logger) *LogAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAnalyzer{Source: RootedLogSource(roots), Limit: limit, Logger: logger}
}

func (a *LogAnalyzer) Name() string { return LogAnalyzerName }

func (a *LogAnalyzer) Execute(ctx context.Context, input string) (string, error) {
	file, keyword := SplitInput(input)
	keyword = strings.ToLower(keyword)
	if keyword == "" {
		keyword = "error"
	}
	limit := a.Limit
	if limit <= 0 {
		limit = DefaultLogLineLimit
	}
	source := a.Source
	if source == nil {
		source = RootedLogSource(nil)
	}
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("log analyzer streaming file", "tool", LogAnalyzerName, "file", file, "keyword", keyword)

	rc, err := source(ctx, file)
	if err != nil {
		return "", fmt.Errorf("open log %s: %w", file, err)
	}
	defer rc.Close()

	var kept []string
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() && len(kept) < limit {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line := scanner.Text()
		if isRelevant(line, keyword) {
			kept = append(kept, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read log %s: %w", file, err)
	}
	if len(kept) == 0 {
		return "No relevant log lines found for keyword: " + keyword, nil
	}
	return strings.Join(kept, "\n"), nil
}

func isRelevant(line, keyword string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, keyword) || strings.Contains(lower, "error") || strings.Contains(lower, "critical")
}

// RootedLogSource opens file only when it resolves inside one of roots;
// anything else gets SampleLog.
func RootedLogSource(roots []string) LogSource {
	return func(_ context.Context, file string) (io.ReadCloser, error) {
		if resolved, ok := resolveUnderRoots(file, roots); ok {
			f, err := os.Open(resolved)
			if err == nil {
				return f, nil
			}
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
		return io.NopCloser(strings.NewReader(SampleLog)), nil
	}
}

func resolveUnderRoots(rawPath string, roots []string) (string, bool) {
	if rawPath == "" || len(roots) == 0 {
		return "", false
	}
	resolved, err := filepath.Abs(rawPath)
	if err != nil {
		return "", false
	}
	// Resolve symlinks to prevent symlink-based traversal.
	if evaluated, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = evaluated
	}
	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if evaluated, err := filepath.EvalSymlinks(absRoot); err == nil {
			absRoot = evaluated
		}
		rel, err := filepath.Rel(absRoot, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return resolved, true
	}
	return "", false
}
