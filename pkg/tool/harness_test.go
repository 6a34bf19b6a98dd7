package tool

import (
	"os"
	"path/filepath"
	"testing"
)

// writeScript installs a fake tool binary and returns its path
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "bin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

const fakeFFmpegOK = `
for last; do :; done
echo "Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'in.mov':" >&2
echo "  Duration: 00:00:10.00, start: 0.000000, bitrate: 1000 kb/s" >&2
sleep 0.2
for t in 2500000 5000000 10000000; do
  printf 'frame=75\nfps=29.97\nbitrate=2500.0kbits/s\nout_time_us=%s\nout_time=00:00:02.500000\nspeed=1.0x\nprogress=continue\n' "$t"
done
printf 'progress=end\n'
echo data > "$last"
`

const fakeFFmpegFail = `
echo "in.mov: Invalid data found when processing input" >&2
exit 1
`

const fakeSlowTool = `
sleep 10
`
