// Package ytdlp drives the yt-dlp executable as the fetch engine.
package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/vietddude/podmirror/internal/core/domain"
)

const (
	defaultPath    = "yt-dlp"
	defaultTimeout = 15 * time.Minute
	defaultFormat  = "bestaudio/best"
	maxKeep        = 8192
)

// Error carries the diagnostic lines yt-dlp printed before failing.
type Error struct {
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("yt-dlp %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("yt-dlp %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Engine runs yt-dlp as a subprocess.
type Engine struct {
	// Path is the yt-dlp executable. Defaults to "yt-dlp".
	Path string
	// Timeout bounds a single invocation. Defaults to 15 minutes.
	Timeout time.Duration
	// AudioFormat is the transcoding target. Defaults to mp3.
	AudioFormat string
	// AudioQuality is passed to --audio-quality. Defaults to 128K.
	AudioQuality string

	log *slog.Logger
}

// NewEngine creates an engine with defaults applied.
func NewEngine(path string, timeout time.Duration) *Engine {
	if path == "" {
		path = defaultPath
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Engine{
		Path:         path,
		Timeout:      timeout,
		AudioFormat:  "mp3",
		AudioQuality: "128K",
		log:          slog.Default().With("component", "ytdlp"),
	}
}

// CheckInstalled verifies yt-dlp and ffmpeg are on PATH.
func (e *Engine) CheckInstalled() error {
	if _, err := exec.LookPath(e.Path); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", e.Path)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("missing dependency: ffmpeg is required for audio extraction and was not found on PATH")
	}
	return nil
}

// ListItems performs a lightweight (flat) listing of a playlist or channel.
func (e *Engine) ListItems(ctx context.Context, sourceURL string) (domain.ScanResult, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return domain.ScanResult{}, fmt.Errorf("source URL is required")
	}
	args := []string{"--flat-playlist", "-J", "--no-warnings", sourceURL}

	stdout, err := e.run(ctx, "list", args)
	if err != nil {
		return domain.ScanResult{}, err
	}
	return ParsePlaylist(stdout)
}

// Materialize downloads and transcodes one item into workDir and returns the
// audio path plus the full metadata reported by yt-dlp.
func (e *Engine) Materialize(
	ctx context.Context,
	item domain.CandidateItem,
	params domain.EngineParams,
	workDir string,
) (string, domain.CandidateItem, error) {
	args := BuildDownloadArgs(item, params, workDir, e.AudioFormat, e.AudioQuality)

	stdout, err := e.run(ctx, "download", args)
	if err != nil {
		return "", domain.CandidateItem{}, err
	}

	meta, perr := ParseInfo(stdout)
	if perr != nil {
		// The download itself succeeded; keep the scan metadata.
		e.log.Debug("Unable to parse item metadata", "item", item.ID, "error", perr)
		meta = item
	}
	if meta.ID == "" {
		meta.ID = item.ID
	}
	return filepath.Join(workDir, item.ID+"."+e.AudioFormat), meta, nil
}

// BuildDownloadArgs renders the yt-dlp command line for one attempt.
func BuildDownloadArgs(
	item domain.CandidateItem,
	params domain.EngineParams,
	workDir, audioFormat, audioQuality string,
) []string {
	format := params.Format
	if format == "" {
		format = defaultFormat
	}
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-warnings",
		"-f", format,
		"-x",
		"--audio-format", audioFormat,
		"--audio-quality", audioQuality,
		"-o", filepath.Join(workDir, "%(id)s.%(ext)s"),
		"--dump-json",
		"--no-simulate",
	}
	if params.PlayerClient != "" {
		args = append(args, "--extractor-args", "youtube:player_client="+params.PlayerClient)
	}
	if strings.TrimSpace(params.ProxyURL) != "" {
		args = append(args, "--proxy", strings.TrimSpace(params.ProxyURL))
	}
	if strings.TrimSpace(params.CookiesPath) != "" {
		args = append(args, "--cookies", params.CookiesPath)
	}
	return append(args, item.WatchURL())
}

func (e *Engine) run(ctx context.Context, op string, args []string) ([]byte, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, e.Path, args...)
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxKeep}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	e.log.Debug("Running yt-dlp", "op", op, "args", args)
	if err := cmd.Run(); err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &Error{Op: op, Message: fmt.Sprintf("timed out after %s", e.Timeout), Err: err}
		}
		return nil, &Error{Op: op, Message: ErrorMessage(stderr.String()), Err: err}
	}
	if stdout.Len() == 0 {
		return nil, &Error{Op: op, Message: "yt-dlp returned empty output"}
	}
	return stdout.Bytes(), nil
}

// ErrorMessage extracts the ERROR lines from yt-dlp's stderr, falling back to
// the last non-empty line.
func ErrorMessage(stderr string) string {
	var errs []string
	var last string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		last = line
		if strings.HasPrefix(line, "ERROR:") {
			errs = append(errs, line)
		}
	}
	if len(errs) > 0 {
		return strings.Join(errs, "; ")
	}
	return last
}

// tailBuffer keeps the last max bytes written to it. yt-dlp prints its
// ERROR line after any ffmpeg chatter.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		n := copy(t.buf, t.buf[over:])
		t.buf = t.buf[:n]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
