package live

import (
	"reflect"
	"testing"
)

func TestComputeLadder(t *testing.T) {
	cases := []struct {
		name string
		cfg  LadderConfig
		in   LadderInput
		want []int
	}{
		{
			name: "transcoding disabled passes input through",
			cfg:  LadderConfig{TranscodingEnabled: false, EnabledResolutions: []int{720, 480}},
			in:   LadderInput{Resolution: 1080, HasVideo: true, HasAudio: true},
			want: []int{1080},
		},
		{
			name: "enabled resolutions capped at input",
			cfg:  LadderConfig{TranscodingEnabled: true, EnabledResolutions: []int{1080, 720, 480}},
			in:   LadderInput{Resolution: 720, HasVideo: true, HasAudio: true},
			want: []int{480, 720, ResolutionAudioOnly},
		},
		{
			name: "priority order not numeric order",
			cfg:  LadderConfig{TranscodingEnabled: true, EnabledResolutions: []int{240, 360, 480, 720, 1080}},
			in:   LadderInput{Resolution: 1080, HasVideo: true, HasAudio: false},
			want: []int{480, 360, 720, 240, 1080},
		},
		{
			name: "always transcode original rounds odd height up",
			cfg:  LadderConfig{TranscodingEnabled: true, EnabledResolutions: []int{480}, AlwaysTranscodeOriginal: true},
			in:   LadderInput{Resolution: 719, HasVideo: true, HasAudio: false},
			want: []int{480, 720},
		},
		{
			name: "original already in ladder is not duplicated",
			cfg:  LadderConfig{TranscodingEnabled: true, EnabledResolutions: []int{720, 480}, AlwaysTranscodeOriginal: true},
			in:   LadderInput{Resolution: 720, HasVideo: true, HasAudio: false},
			want: []int{480, 720},
		},
		{
			name: "audio only rendition appended even when not configured",
			cfg:  LadderConfig{TranscodingEnabled: true, EnabledResolutions: []int{480}},
			in:   LadderInput{Resolution: 720, HasVideo: true, HasAudio: true},
			want: []int{480, ResolutionAudioOnly},
		},
		{
			name: "audio only rendition skipped without audio",
			cfg:  LadderConfig{TranscodingEnabled: true, EnabledResolutions: []int{ResolutionAudioOnly, 480}},
			in:   LadderInput{Resolution: 720, HasVideo: true, HasAudio: false},
			want: []int{480},
		},
		{
			name: "no applicable resolution falls back to passthrough",
			cfg:  LadderConfig{TranscodingEnabled: true, EnabledResolutions: []int{1080}},
			in:   LadderInput{Resolution: 480, HasVideo: true, HasAudio: true},
			want: []int{480},
		},
		{
			name: "audio only config yields audio only ladder",
			cfg:  LadderConfig{TranscodingEnabled: true, EnabledResolutions: []int{ResolutionAudioOnly}},
			in:   LadderInput{Resolution: 480, HasVideo: true, HasAudio: true},
			want: []int{ResolutionAudioOnly},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeLadder(tc.cfg, tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ladder mismatch: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestComputeLadderDeterministic(t *testing.T) {
	cfg := LadderConfig{TranscodingEnabled: true, EnabledResolutions: []int{ResolutionAudioOnly, 1080, 720, 480, 360, 240}}
	in := LadderInput{Resolution: 1080, HasVideo: true, HasAudio: true}
	first := ComputeLadder(cfg, in)
	for i := 0; i < 50; i++ {
		if got := ComputeLadder(cfg, in); !reflect.DeepEqual(got, first) {
			t.Fatalf("ladder changed between runs: %v vs %v", got, first)
		}
	}
}

func TestAudioOnlyLadder(t *testing.T) {
	if !AudioOnlyLadder([]int{ResolutionAudioOnly}) {
		t.Fatalf("single audio rendition is an audio-only ladder")
	}
	if AudioOnlyLadder([]int{480, ResolutionAudioOnly}) {
		t.Fatalf("ladder with video is not audio-only")
	}
	if AudioOnlyLadder(nil) {
		t.Fatalf("empty ladder is not audio-only")
	}
}

func TestOutputFPS(t *testing.T) {
	cases := []struct {
		in   float64
		want int
	}{
		{0, 30},
		{-5, 30},
		{29.97, 29},
		{60, 60},
		{144, 60},
		{0.5, 30},
		{25, 25},
	}
	for _, tc := range cases {
		if got := OutputFPS(tc.in); got != tc.want {
			t.Fatalf("OutputFPS(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
