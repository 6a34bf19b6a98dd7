// Package tool wraps the external media tools behind one contract.
//
// The transcoder (ffmpeg) reports fine-grained progress which is parsed from
// its -progress stream. The fetcher (yt-dlp) reports nothing reliable, so
// FetchWithEstimate synthesizes progress from elapsed time.
package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProgressEvent is one progress report from a tool invocation
type ProgressEvent struct {
	Percent     int
	FPS         float64
	BitrateKbps float64
	Timemark    string
	Elapsed     time.Duration
	Estimated   bool
}

// TranscodeRequest describes one local conversion
type TranscodeRequest struct {
	JobID      string
	InputPath  string
	OutputPath string
	Format     string
	Quality    string
	Codec      string
}

// FetchRequest describes one remote acquisition. The fetcher decides the
// extension, so only the directory and the filename stem are fixed.
type FetchRequest struct {
	JobID     string
	URL       string
	Format    string
	Quality   string
	OutputDir string
	// FileStem is the output name without extension, e.g. "<job id>-<unix millis>"
	FileStem string
}

// Result is the outcome of a successful invocation.
// For fetches OutputPath is empty and the artifact must be discovered in OutputDir.
type Result struct {
	OutputPath string
	OutputDir  string
}

// Transcoder converts local media files
type Transcoder interface {
	Transcode(ctx context.Context, req TranscodeRequest, onProgress func(ProgressEvent)) (Result, error)
}

// Fetcher acquires media from remote platforms
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Result, error)
}

// InvocationError means the external tool failed. Error returns the tool's
// own stderr tail verbatim; the tool name and exit status only appear when
// the tool printed nothing.
type InvocationError struct {
	Tool   string
	Err    error
	Stderr string
}

func (e *InvocationError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return msg
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsInvocationError reports whether err came from a failed tool run
func IsInvocationError(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie)
}
