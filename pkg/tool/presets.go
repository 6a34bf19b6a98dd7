package tool

import (
	"fmt"
	"strings"
)

// QualityPreset is a fixed output resolution and video bitrate
type QualityPreset struct {
	Name        string
	Width       int
	Height      int
	BitrateKbps int
}

var qualityPresets = map[string]QualityPreset{
	"480p":  {Name: "480p", Width: 854, Height: 480, BitrateKbps: 1000},
	"720p":  {Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2500},
	"1080p": {Name: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000},
	"1440p": {Name: "1440p", Width: 2560, Height: 1440, BitrateKbps: 8000},
	"2160p": {Name: "2160p", Width: 3840, Height: 2160, BitrateKbps: 15000},
}

// LookupQuality returns the preset for a quality name. An empty name means
// "keep the source" and returns ok=false with no error.
func LookupQuality(quality string) (QualityPreset, bool, error) {
	q := strings.ToLower(strings.TrimSpace(quality))
	if q == "" || q == "source" || q == "original" {
		return QualityPreset{}, false, nil
	}
	preset, ok := qualityPresets[q]
	if !ok {
		return QualityPreset{}, false, fmt.Errorf("unsupported quality %q (expected 480p, 720p, 1080p, 1440p or 2160p)", quality)
	}
	return preset, true, nil
}

// audioFormats are containers the transcoder writes without a video stream
var audioFormats = map[string]bool{
	"mp3":  true,
	"aac":  true,
	"m4a":  true,
	"wav":  true,
	"flac": true,
	"ogg":  true,
	"opus": true,
}

// IsAudioFormat reports whether format is an audio-only container
func IsAudioFormat(format string) bool {
	return audioFormats[strings.ToLower(format)]
}

// NormalizeCodec maps common codec names to ffmpeg encoder names
func NormalizeCodec(codec string) string {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "":
		return ""
	case "h264", "avc":
		return "libx264"
	case "h265", "hevc":
		return "libx265"
	case "vp9":
		return "libvpx-vp9"
	case "av1":
		return "libaom-av1"
	default:
		return codec
	}
}

// FetchFormatAudio routes a fetch to audio-only extraction
const FetchFormatAudio = "audio"

// extractAudioFormat maps an audio container to the name yt-dlp's
// --audio-format expects
func extractAudioFormat(format string) string {
	if strings.EqualFold(format, "ogg") {
		return "vorbis"
	}
	return strings.ToLower(format)
}

// remuxFormats are containers yt-dlp can remux a fetched video into
var remuxFormats = map[string]bool{
	"mp4":  true,
	"mkv":  true,
	"webm": true,
	"mov":  true,
}

// FetchSelector returns the yt-dlp format selector for a quality. The source
// format is unknown ahead of time, so presets cap the height instead of
// fixing a resolution.
func FetchSelector(quality string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(quality), "best") {
		return "best", nil
	}
	preset, ok, err := LookupQuality(quality)
	if err != nil {
		return "", err
	}
	if !ok {
		return "best", nil
	}
	return fmt.Sprintf("best[height<=%d]", preset.Height), nil
}
