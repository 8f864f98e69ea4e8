package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeResult is the subset of stream metadata the validation pipeline needs.
type ProbeResult struct {
	HasVideo bool
	HasAudio bool
	Width    int
	Height   int
	FPS      float64
}

// Resolution returns the ladder input resolution of the probed stream, zero
// when there is no video track.
func (p ProbeResult) Resolution() int {
	if !p.HasVideo {
		return 0
	}
	return p.Height
}

// AspectRatio returns width over height, zero for audio-only input.
func (p ProbeResult) AspectRatio() float64 {
	if !p.HasVideo || p.Height == 0 {
		return 0
	}
	return float64(p.Width) / float64(p.Height)
}

// Prober inspects an incoming stream before transcoding starts.
type Prober interface {
	Probe(ctx context.Context, inputURL string) (ProbeResult, error)
}

// FFProbe probes streams with the ffprobe binary.
type FFProbe struct {
	// Path of the ffprobe binary, "ffprobe" when empty.
	Path string
	// Timeout bounds a single probe, 10s when zero.
	Timeout time.Duration
}

const defaultProbeTimeout = 10 * time.Second

func (f FFProbe) Probe(ctx context.Context, inputURL string) (ProbeResult, error) {
	binary := f.Path
	if binary == "" {
		binary = "ffprobe"
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		inputURL,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe %s: %w", inputURL, err)
	}
	return parseProbeOutput(out.Bytes())
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
}

func parseProbeOutput(raw []byte) (ProbeResult, error) {
	var parsed probeOutput
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ProbeResult{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	var result ProbeResult
	for _, stream := range parsed.Streams {
		switch stream.CodecType {
		case "video":
			if result.HasVideo {
				continue
			}
			result.HasVideo = true
			result.Width = stream.Width
			result.Height = stream.Height
			result.FPS = parseFrameRate(stream.AvgFrameRate)
			if result.FPS == 0 {
				result.FPS = parseFrameRate(stream.RFrameRate)
			}
		case "audio":
			result.HasAudio = true
		}
	}
	return result, nil
}

// parseFrameRate decodes ffprobe's rational frame rates such as "30000/1001".
func parseFrameRate(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" || value == "0/0" {
		return 0
	}
	num, den, found := strings.Cut(value, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
