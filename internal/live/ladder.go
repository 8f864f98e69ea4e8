package live

// ResolutionAudioOnly is the pseudo resolution for a rendition that carries
// only the audio track.
const ResolutionAudioOnly = 0

// resolutionPriority fixes the order in which renditions are produced, most
// commonly watched first so a slow transcoder still serves the bulk of
// viewers something.
var resolutionPriority = []int{ResolutionAudioOnly, 480, 360, 720, 240, 1080, 1440, 2160}

// LadderConfig is the instance transcoding policy consulted when building a
// rendition ladder.
type LadderConfig struct {
	TranscodingEnabled      bool
	EnabledResolutions      []int
	AlwaysTranscodeOriginal bool
}

// LadderInput describes the probed input stream.
type LadderInput struct {
	Resolution int
	FPS        float64
	HasAudio   bool
	HasVideo   bool
}

// ComputeLadder returns the resolutions to transcode for an input stream.
// The result is deterministic for a given config and input and never empty:
// with transcoding disabled, or when no configured resolution applies, the
// ladder collapses to passthrough of the input resolution.
func ComputeLadder(cfg LadderConfig, in LadderInput) []int {
	if !cfg.TranscodingEnabled {
		return []int{in.Resolution}
	}

	enabled := make(map[int]bool, len(cfg.EnabledResolutions))
	for _, resolution := range cfg.EnabledResolutions {
		enabled[resolution] = true
	}

	var ladder []int
	hasVideoRendition := false
	for _, resolution := range resolutionPriority {
		if resolution == ResolutionAudioOnly {
			continue
		}
		if enabled[resolution] && resolution <= in.Resolution {
			ladder = append(ladder, resolution)
			hasVideoRendition = true
		}
	}

	if cfg.AlwaysTranscodeOriginal && in.Resolution > 0 {
		original := roundUpToEven(in.Resolution)
		if !contains(ladder, original) {
			ladder = append(ladder, original)
			hasVideoRendition = true
		}
	}

	// The audio-only rendition rides along with every video ladder, even
	// when not separately configured, so listeners on very constrained
	// links still get the stream.
	if in.HasAudio && hasVideoRendition {
		ladder = append(ladder, ResolutionAudioOnly)
	}

	if len(ladder) == 0 {
		if enabled[ResolutionAudioOnly] {
			return []int{ResolutionAudioOnly}
		}
		return []int{in.Resolution}
	}
	return ladder
}

// AudioOnlyLadder reports whether the ladder contains nothing but the
// audio-only rendition. Such a ladder is unusable when the input has no
// audio track; the orchestrator rejects the session in that case.
func AudioOnlyLadder(ladder []int) bool {
	for _, resolution := range ladder {
		if resolution != ResolutionAudioOnly {
			return false
		}
	}
	return len(ladder) > 0
}

// OutputFPS clamps the input frame rate into the encodable range.
func OutputFPS(inputFPS float64) int {
	const (
		minFPS = 1
		maxFPS = 60
	)
	fps := int(inputFPS)
	if fps <= 0 {
		return 30
	}
	if fps < minFPS {
		return minFPS
	}
	if fps > maxFPS {
		return maxFPS
	}
	return fps
}

func roundUpToEven(n int) int {
	if n%2 != 0 {
		return n + 1
	}
	return n
}

func contains(values []int, target int) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
