package tool

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// FFmpeg is the transcoder backed by the ffmpeg binary
type FFmpeg struct {
	Path string
}

// NewFFmpeg creates a transcoder using the binary at path ("ffmpeg" if empty)
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path}
}

// Available reports whether the binary can be found
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.Path); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	return nil
}

// BuildArgs generates the ffmpeg command line for a conversion
func (f *FFmpeg) BuildArgs(req TranscodeRequest) ([]string, error) {
	if req.InputPath == "" || req.OutputPath == "" {
		return nil, fmt.Errorf("input and output paths are required")
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-nostats",
		"-y", // Overwrite output
		"-i", req.InputPath,
	}

	if IsAudioFormat(req.Format) {
		// Audio targets drop video; quality and video codec do not apply
		args = append(args, "-vn")
	} else {
		preset, ok, err := LookupQuality(req.Quality)
		if err != nil {
			return nil, err
		}
		if ok {
			args = append(args,
				"-s", fmt.Sprintf("%dx%d", preset.Width, preset.Height),
				"-b:v", strconv.Itoa(preset.BitrateKbps)+"k",
			)
		}
		if codec := NormalizeCodec(req.Codec); codec != "" {
			args = append(args, "-c:v", codec)
		}
	}

	args = append(args, "-progress", "pipe:1", req.OutputPath)
	return args, nil
}

// Transcode runs ffmpeg and reports progress until it exits
func (f *FFmpeg) Transcode(ctx context.Context, req TranscodeRequest, onProgress func(ProgressEvent)) (Result, error) {
	args, err := f.BuildArgs(req)
	if err != nil {
		return Result{}, &InvocationError{Tool: "ffmpeg", Err: err}
	}

	parser := newProgressParser(onProgress)
	p := &process{
		tool:     "ffmpeg",
		path:     f.Path,
		args:     args,
		onStdout: parser.feed,
		onStderr: func(line string) {
			if d, ok := parseDurationLine(line); ok {
				parser.setDuration(d)
			}
		},
	}
	if err := p.run(ctx); err != nil {
		return Result{}, err
	}
	return Result{OutputPath: req.OutputPath}, nil
}
