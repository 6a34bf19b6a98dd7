package tool

import (
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// parseDurationLine extracts the input duration from an ffmpeg stderr line
func parseDurationLine(line string) (time.Duration, bool) {
	m := durationPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return d, d > 0
}

// progressParser folds ffmpeg "-progress" key=value lines into events.
// ffmpeg ends every block with a progress=continue|end line.
type progressParser struct {
	total   atomic.Int64 // input duration in nanoseconds, 0 while unknown
	current ProgressEvent
	outTime time.Duration
	emit    func(ProgressEvent)
}

func newProgressParser(emit func(ProgressEvent)) *progressParser {
	return &progressParser{emit: emit}
}

func (p *progressParser) setDuration(d time.Duration) {
	p.total.CompareAndSwap(0, int64(d))
}

func (p *progressParser) feed(line string) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)

	switch key {
	case "fps":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			p.current.FPS = v
		}
	case "bitrate":
		// e.g. "2500.3kbits/s" or "N/A"
		if v, err := strconv.ParseFloat(strings.TrimSuffix(value, "kbits/s"), 64); err == nil {
			p.current.BitrateKbps = v
		}
	case "out_time_us", "out_time_ms":
		// out_time_ms is microseconds as well, an old ffmpeg naming quirk
		if v, err := strconv.ParseInt(value, 10, 64); err == nil && v >= 0 {
			p.outTime = time.Duration(v) * time.Microsecond
		}
	case "out_time":
		p.current.Timemark = value
	case "progress":
		p.current.Percent = p.percent()
		p.current.Elapsed = p.outTime
		if p.emit != nil {
			p.emit(p.current)
		}
	}
}

func (p *progressParser) percent() int {
	total := time.Duration(p.total.Load())
	if total <= 0 || p.outTime <= 0 {
		return 0
	}
	pct := int(float64(p.outTime) / float64(total) * 100)
	if pct > 100 {
		return 100
	}
	return pct
}
