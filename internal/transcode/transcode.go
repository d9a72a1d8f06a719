// Package transcode decides whether a staged media file can go to the
// transcription service as is, and shrinks it with ffmpeg when it cannot.
//
// The decision is tiered:
//
//   - a file with an accepted extension below [MaxUploadBytes] is used as is;
//   - otherwise a standard mono mp3 derivative is produced;
//   - if that is still too large, an aggressive low-bitrate derivative is
//     produced;
//   - if that is still too large, preparation fails with a conversion error.
//
// When ffmpeg is missing or fails, the original file is returned unchecked and
// the transcription service gets the final word.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/MrWong99/voxscribe/internal/job"
)

// MaxUploadBytes is the largest file the transcription service accepts.
const MaxUploadBytes int64 = 26_214_400

// Tier names the outcome of [Engine.Prepare].
type Tier string

const (
	// TierNone means the original file was acceptable.
	TierNone Tier = "none"
	// TierStandard means the standard derivative is used.
	TierStandard Tier = "standard"
	// TierAggressive means the low-bitrate derivative is used.
	TierAggressive Tier = "aggressive"
	// TierFallback means ffmpeg was unavailable or failed and the original
	// file is used without a size check.
	TierFallback Tier = "fallback-original"
)

var allowed = map[string]bool{
	".m4a":  true,
	".mp3":  true,
	".wav":  true,
	".mpeg": true,
	".mpga": true,
	".mp4":  true,
	".webm": true,
}

// Accepted reports whether path has an extension the transcription service
// accepts. The comparison is case-insensitive.
func Accepted(path string) bool {
	return allowed[strings.ToLower(filepath.Ext(path))]
}

// Decision is the file to transcribe.
type Decision struct {
	Path string
	Tier Tier
	Size int64
}

// Engine runs the tiered decision. The zero value is not usable; create one
// with [New].
type Engine struct {
	ffmpeg string
	runner CommandRunner
}

// Option configures an Engine.
type Option func(*Engine)

// WithFFmpegPath sets the ffmpeg binary. Defaults to "ffmpeg" on PATH.
func WithFFmpegPath(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.ffmpeg = path
		}
	}
}

// WithRunner replaces the process runner.
func WithRunner(r CommandRunner) Option {
	return func(e *Engine) {
		e.runner = r
	}
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{ffmpeg: "ffmpeg", runner: ExecRunner{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

type tier struct {
	name    Tier
	bitrate string
}

var tiers = []tier{
	{name: TierStandard, bitrate: "64k"},
	{name: TierAggressive, bitrate: "24k"},
}

// Args returns the ffmpeg arguments for converting in to a mono 16 kHz mp3 at
// bitrate, discarding any video stream.
func Args(in, out, bitrate string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-b:a", bitrate,
		out,
	}
}

// Prepare decides which file to transcribe. Derivatives are written next to
// path, which should live in a scratch directory owned by the caller. The
// only error is a [job.ConversionError] for a file that stays too large after
// both tiers, or an I/O error reading path.
func (e *Engine) Prepare(ctx context.Context, path string) (Decision, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Decision{}, job.ConversionError("cannot read staged file", err)
	}
	if Accepted(path) && fi.Size() < MaxUploadBytes {
		return Decision{Path: path, Tier: TierNone, Size: fi.Size()}, nil
	}

	log := slog.With("input", filepath.Base(path), "size", fi.Size())
	base := strings.TrimSuffix(path, filepath.Ext(path))

	var previous string
	var last Decision
	for _, t := range tiers {
		out := base + "." + string(t.name) + ".mp3"
		res, err := e.runner.Run(ctx, e.ffmpeg, Args(path, out, t.bitrate)...)
		if err != nil {
			if ctx.Err() != nil {
				return Decision{}, job.ConversionError("conversion interrupted", ctx.Err())
			}
			if errors.Is(err, exec.ErrNotFound) {
				log.Warn("ffmpeg not available, sending original file", "err", err)
			} else {
				log.Warn("ffmpeg failed, sending original file",
					"tier", t.name, "exit_code", res.ExitCode, "stderr", tail(res.Stderr), "err", err)
			}
			_ = os.Remove(out)
			if previous != "" {
				_ = os.Remove(previous)
			}
			return Decision{Path: path, Tier: TierFallback, Size: fi.Size()}, nil
		}

		ofi, err := os.Stat(out)
		if err != nil {
			log.Warn("ffmpeg produced no output, sending original file", "tier", t.name, "err", err)
			if previous != "" {
				_ = os.Remove(previous)
			}
			return Decision{Path: path, Tier: TierFallback, Size: fi.Size()}, nil
		}
		if previous != "" {
			_ = os.Remove(previous)
		}
		previous = out
		last = Decision{Path: out, Tier: t.name, Size: ofi.Size()}
		log.Info("converted", "tier", t.name, "output_size", ofi.Size())
		if ofi.Size() < MaxUploadBytes {
			return last, nil
		}
	}

	_ = os.Remove(last.Path)
	return Decision{}, job.ConversionError(
		fmt.Sprintf("file too large even after aggressive compression (%d bytes)", last.Size), nil)
}

// Available reports whether the ffmpeg binary can be found.
func (e *Engine) Available() bool {
	_, err := exec.LookPath(e.ffmpeg)
	return err == nil
}

// Version returns the first line of "ffmpeg -version".
func (e *Engine) Version(ctx context.Context) (string, error) {
	res, err := e.runner.Run(ctx, e.ffmpeg, "-version")
	if err != nil {
		return "", fmt.Errorf("transcode: ffmpeg -version: %w", err)
	}
	line, _, _ := strings.Cut(res.Stdout, "\n")
	return strings.TrimSpace(line), nil
}

// tail keeps log lines short when ffmpeg is chatty.
func tail(s string) string {
	const max = 400
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "…" + s[len(s)-max:]
}
