package tool

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// YTDLP is the fetcher backed by the yt-dlp binary
type YTDLP struct {
	Path string

	// AudioFormat and AudioQuality apply to format=audio fetches
	AudioFormat  string
	AudioQuality string
}

// NewYTDLP creates a fetcher using the binary at path ("yt-dlp" if empty)
func NewYTDLP(path, audioFormat, audioQuality string) *YTDLP {
	if path == "" {
		path = "yt-dlp"
	}
	if audioFormat == "" {
		audioFormat = "mp3"
	}
	if audioQuality == "" {
		audioQuality = "192K"
	}
	return &YTDLP{Path: path, AudioFormat: audioFormat, AudioQuality: audioQuality}
}

// Available reports whether the binary can be found
func (y *YTDLP) Available() error {
	if _, err := exec.LookPath(y.Path); err != nil {
		return fmt.Errorf("missing dependency: yt-dlp is not installed or not on PATH: %w", err)
	}
	return nil
}

// BuildArgs generates the yt-dlp command line for a fetch
func (y *YTDLP) BuildArgs(req FetchRequest) ([]string, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("source URL is required")
	}
	if req.OutputDir == "" || req.FileStem == "" {
		return nil, fmt.Errorf("output directory and file stem are required")
	}

	args := []string{
		"--no-playlist",
		"--newline",
		"--no-part",
		"-o", filepath.Join(req.OutputDir, req.FileStem+".%(ext)s"),
	}

	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == FetchFormatAudio || IsAudioFormat(format) {
		audioFormat := y.AudioFormat
		if format != FetchFormatAudio {
			audioFormat = extractAudioFormat(format)
		}
		args = append(args,
			"-f", "bestaudio/best",
			"-x",
			"--audio-format", audioFormat,
			"--audio-quality", y.AudioQuality,
		)
	} else {
		selector, err := FetchSelector(req.Quality)
		if err != nil {
			return nil, err
		}
		args = append(args, "-f", selector)
		if remuxFormats[format] {
			args = append(args, "--remux-video", format)
		}
	}

	// "--" keeps a URL starting with a dash from being read as an option
	args = append(args, "--", req.URL)
	return args, nil
}

// Fetch runs yt-dlp to completion. It reports no progress; see FetchWithEstimate.
func (y *YTDLP) Fetch(ctx context.Context, req FetchRequest) (Result, error) {
	args, err := y.BuildArgs(req)
	if err != nil {
		return Result{}, &InvocationError{Tool: "yt-dlp", Err: err}
	}

	p := &process{
		tool: "yt-dlp",
		path: y.Path,
		args: args,
	}
	if err := p.run(ctx); err != nil {
		return Result{}, err
	}
	return Result{OutputDir: req.OutputDir}, nil
}
