package live

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"driftcast/internal/models"
	"driftcast/internal/storage"
	"driftcast/internal/streamkey"
	"driftcast/internal/transcode"
)

type fakeTransport struct {
	mu     sync.Mutex
	kicked []string
}

func (t *fakeTransport) Kick(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kicked = append(t.kicked, sessionID)
}

func (t *fakeTransport) LocalURL(sessionID string) string {
	return "tcp://127.0.0.1:1935/" + sessionID
}

func (t *fakeTransport) kickedSessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.kicked...)
}

type fakeProber struct {
	result ProbeResult
	err    error
}

func (p fakeProber) Probe(ctx context.Context, inputURL string) (ProbeResult, error) {
	return p.result, p.err
}

// gateProber blocks every probe until its gate opens and counts invocations.
type gateProber struct {
	gate   chan struct{}
	result ProbeResult

	mu    sync.Mutex
	calls int
}

func (p *gateProber) Probe(ctx context.Context, inputURL string) (ProbeResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	<-p.gate
	return p.result, nil
}

func (p *gateProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []EndingRequest
	notify   chan EndingRequest
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{notify: make(chan EndingRequest, 16)}
}

func (d *recordingDispatcher) DispatchEnding(ctx context.Context, req EndingRequest) error {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	select {
	case d.notify <- req:
	default:
	}
	return nil
}

func (d *recordingDispatcher) await(t *testing.T) EndingRequest {
	t.Helper()
	select {
	case req := <-d.notify:
		return req
	case <-time.After(5 * time.Second):
		t.Fatalf("no ending request dispatched")
		return EndingRequest{}
	}
}

type recordingNotifier struct {
	mu         sync.Mutex
	published  []string
	forceEnded []string
}

func (n *recordingNotifier) NotifyLivePublished(video models.Video) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, video.ID)
}

func (n *recordingNotifier) NotifyForceEnd(video models.Video) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forceEnded = append(n.forceEnded, video.ID)
}

func (n *recordingNotifier) forceEndedVideos() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.forceEnded...)
}

func (n *recordingNotifier) publishedVideos() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.published...)
}

type recordingFederator struct {
	mu        sync.Mutex
	federated []string
}

func (f *recordingFederator) Federate(ctx context.Context, video models.Video) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.federated = append(f.federated, video.ID)
	return nil
}

func (f *recordingFederator) federatedVideos() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.federated...)
}

type orchestratorFixture struct {
	orch       *Orchestrator
	repo       *storage.Memory
	transport  *fakeTransport
	dispatcher *recordingDispatcher
	notifier   *recordingNotifier
	federator  *recordingFederator
	dataDir    string

	mu      sync.Mutex
	runners []*fakeRunner
}

func (f *orchestratorFixture) fakeRunners() []*fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeRunner(nil), f.runners...)
}

func newOrchestratorFixture(t *testing.T, mutate func(*Config)) *orchestratorFixture {
	t.Helper()
	digester := streamkey.NewDigester("test-secret")
	repo, err := storage.NewMemory(storage.WithDigester(digester))
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}

	fixture := &orchestratorFixture{
		repo:       repo,
		transport:  &fakeTransport{},
		dispatcher: newRecordingDispatcher(),
		notifier:   &recordingNotifier{},
		federator:  &recordingFederator{},
		dataDir:    t.TempDir(),
	}
	cfg := Config{
		DataDir: fixture.dataDir,
		Ladder: LadderConfig{
			TranscodingEnabled: true,
			EnabledResolutions: []int{ResolutionAudioOnly, 480},
		},
		AllowReplay:     true,
		ScanInterval:    10 * time.Millisecond,
		StallTimeout:    time.Hour,
		DisconnectGrace: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := NewOrchestrator(cfg, Deps{
		Repo:       repo,
		Digester:   digester,
		Transport:  fixture.transport,
		Prober:     fakeProber{result: ProbeResult{HasVideo: true, HasAudio: true, Width: 1280, Height: 720, FPS: 30}},
		Dispatcher: fixture.dispatcher,
		Federator:  fixture.federator,
		Notifier:   fixture.notifier,
		StartRunner: func(transcode.RunnerConfig) (RenditionRunner, error) {
			runner := newFakeRunner()
			fixture.mu.Lock()
			fixture.runners = append(fixture.runners, runner)
			fixture.mu.Unlock()
			return runner, nil
		},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})
	fixture.orch = orch
	return fixture
}

func (f *orchestratorFixture) seedLive(t *testing.T, params storage.CreateLiveParams) (models.Video, models.LiveConfig) {
	t.Helper()
	if params.OwnerID == "" {
		owner, err := f.repo.CreateUser(storage.CreateUserParams{VideoQuota: models.QuotaUnlimited})
		if err != nil {
			t.Fatalf("seed owner: %v", err)
		}
		params.OwnerID = owner.ID
	}
	video, cfg, err := f.repo.CreateLive(params)
	if err != nil {
		t.Fatalf("seed live: %v", err)
	}
	return video, cfg
}

// feedSegments makes the session's output look like a healthy transcode so
// readiness fires: per-rendition playlists plus one finished segment each.
func (f *orchestratorFixture) feedSegments(t *testing.T, videoID string) {
	t.Helper()
	outputDir := transcode.OutputDirectory(f.dataDir, videoID)
	for _, rendition := range []string{"480p", "audio"} {
		writeSegment(t, outputDir, rendition, "segment_000000.ts", []byte("segment-data"))
	}
}

func (f *orchestratorFixture) waitForState(t *testing.T, videoID string, state models.VideoState) models.Video {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		video, err := f.repo.VideoByID(context.Background(), videoID)
		if err != nil {
			t.Fatalf("load video: %v", err)
		}
		if video.State == state {
			return video
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("video %s never reached state %s", videoID, state)
	return models.Video{}
}

func TestOrchestratorRejectsBadPath(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/wrong/key/extra"); !errors.Is(err, ErrBadStreamPath) {
		t.Fatalf("expected ErrBadStreamPath, got %v", err)
	}
}

func TestOrchestratorRejectsUnknownKey(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/not-a-key"); !errors.Is(err, ErrUnknownStreamKey) {
		t.Fatalf("expected ErrUnknownStreamKey, got %v", err)
	}
	if fixture.orch.SessionCount() != 0 {
		t.Fatalf("no session may exist after a rejection")
	}
}

func TestOrchestratorRejectsBlacklistedVideo(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	video, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})
	if err := fixture.repo.SetVideoBlacklisted(video.ID, true); err != nil {
		t.Fatalf("blacklist video: %v", err)
	}
	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); !errors.Is(err, ErrVideoBlacklisted) {
		t.Fatalf("expected ErrVideoBlacklisted, got %v", err)
	}
}

func TestOrchestratorRejectsBlockedOwner(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	owner, err := fixture.repo.CreateUser(storage.CreateUserParams{Blocked: true, VideoQuota: models.QuotaUnlimited})
	if err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	_, cfg := fixture.seedLive(t, storage.CreateLiveParams{OwnerID: owner.ID, Name: "stream"})
	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); !errors.Is(err, ErrOwnerBlocked) {
		t.Fatalf("expected ErrOwnerBlocked, got %v", err)
	}
}

func TestOrchestratorRejectsDuplicateSession(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	_, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})
	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := fixture.orch.OnPublish(context.Background(), "conn-2", "/live/"+cfg.StreamKey); !errors.Is(err, ErrVideoHasSession) {
		t.Fatalf("expected ErrVideoHasSession, got %v", err)
	}
}

func TestOrchestratorEnforcesInstanceLimit(t *testing.T) {
	fixture := newOrchestratorFixture(t, func(cfg *Config) {
		cfg.MaxInstanceLives = 1
	})
	_, first := fixture.seedLive(t, storage.CreateLiveParams{Name: "first"})
	_, second := fixture.seedLive(t, storage.CreateLiveParams{Name: "second"})

	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+first.StreamKey); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := fixture.orch.OnPublish(context.Background(), "conn-2", "/live/"+second.StreamKey); !errors.Is(err, ErrInstanceLiveLimit) {
		t.Fatalf("expected ErrInstanceLiveLimit, got %v", err)
	}
}

func TestOrchestratorEnforcesUserLimit(t *testing.T) {
	fixture := newOrchestratorFixture(t, func(cfg *Config) {
		cfg.MaxUserLives = 1
	})
	owner, err := fixture.repo.CreateUser(storage.CreateUserParams{VideoQuota: models.QuotaUnlimited})
	if err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	_, first := fixture.seedLive(t, storage.CreateLiveParams{OwnerID: owner.ID, Name: "first"})
	_, second := fixture.seedLive(t, storage.CreateLiveParams{OwnerID: owner.ID, Name: "second"})

	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+first.StreamKey); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := fixture.orch.OnPublish(context.Background(), "conn-2", "/live/"+second.StreamKey); !errors.Is(err, ErrUserLiveLimit) {
		t.Fatalf("expected ErrUserLiveLimit, got %v", err)
	}
}

func TestOrchestratorRejectsInputWithoutStreams(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	fixture.orch.prober = fakeProber{result: ProbeResult{}}
	video, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})
	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); !errors.Is(err, ErrNoMediaStreams) {
		t.Fatalf("expected ErrNoMediaStreams, got %v", err)
	}
	if fixture.orch.HasSession(video.ID) {
		t.Fatalf("rejection must release the session claim")
	}
}

func TestOrchestratorRejectsAudioLadderWithoutAudio(t *testing.T) {
	fixture := newOrchestratorFixture(t, func(cfg *Config) {
		cfg.Ladder = LadderConfig{TranscodingEnabled: true, EnabledResolutions: []int{ResolutionAudioOnly}}
	})
	fixture.orch.prober = fakeProber{result: ProbeResult{HasVideo: true, Width: 1280, Height: 720, FPS: 30}}
	_, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})
	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); !errors.Is(err, ErrNoAudioForLadder) {
		t.Fatalf("expected ErrNoAudioForLadder, got %v", err)
	}
}

func TestOrchestratorHappyPathPublishesAndFinalizes(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	video, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})

	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fixture.orch.SessionCount() != 1 || !fixture.orch.HasSession(video.ID) {
		t.Fatalf("expected one active session for the video")
	}

	fixture.feedSegments(t, video.ID)
	published := fixture.waitForState(t, video.ID, models.StatePublished)
	if published.PublishedAt == nil {
		t.Fatalf("published video must carry a publish timestamp")
	}
	if published.AspectRatio == 0 {
		t.Fatalf("published video must carry an aspect ratio")
	}

	playlists, err := fixture.repo.PlaylistsByVideo(context.Background(), video.ID)
	if err != nil || len(playlists) != 1 {
		t.Fatalf("expected one playlist row, got %v (%v)", playlists, err)
	}
	if playlists[0].PlaylistFilename != transcode.MasterPlaylistName {
		t.Fatalf("unexpected playlist filename %q", playlists[0].PlaylistFilename)
	}

	fixture.orch.StopSessionOfVideo(video.ID, nil, StopOptions{})
	req := fixture.dispatcher.await(t)
	if req.VideoID != video.ID {
		t.Fatalf("ending request for wrong video: %+v", req)
	}
	if req.CleanupNow {
		t.Fatalf("regular stop must not request immediate cleanup")
	}
	if req.StreamingPlaylistID != playlists[0].ID {
		t.Fatalf("ending request must carry the session playlist, got %q want %q", req.StreamingPlaylistID, playlists[0].ID)
	}

	session, err := fixture.repo.LatestLiveSession(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if session.Open() {
		t.Fatalf("session must be closed after stop")
	}
	if session.Error != nil {
		t.Fatalf("clean stop must not record an error, got %v", *session.Error)
	}

	deadline := time.Now().Add(5 * time.Second)
	for fixture.orch.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never finalized")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if kicked := fixture.transport.kickedSessions(); len(kicked) == 0 {
		t.Fatalf("transport connection must be kicked on stop")
	}
}

func TestOrchestratorPublishUsesProbedAspectRatio(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	fixture.orch.prober = fakeProber{result: ProbeResult{HasVideo: true, HasAudio: true, Width: 1920, Height: 800, FPS: 30}}
	video, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})

	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fixture.feedSegments(t, video.ID)

	published := fixture.waitForState(t, video.ID, models.StatePublished)
	want := 1920.0 / 800.0
	if diff := published.AspectRatio - want; diff < -0.001 || diff > 0.001 {
		t.Fatalf("published aspect ratio = %v, want %v", published.AspectRatio, want)
	}
}

func TestOrchestratorNotifiesAfterFederateDelay(t *testing.T) {
	fixture := newOrchestratorFixture(t, func(cfg *Config) {
		cfg.FederateDelaySegments = 1
	})
	video, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream", LatencyMode: models.LatencySmall})

	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fixture.feedSegments(t, video.ID)
	fixture.waitForState(t, video.ID, models.StatePublished)

	// The state flips first; subscribers hear about it only after the
	// segment headroom has passed.
	if published := fixture.notifier.publishedVideos(); len(published) != 0 {
		t.Fatalf("subscribers notified before the federate delay: %v", published)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(fixture.notifier.publishedVideos()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers never notified")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if federated := fixture.federator.federatedVideos(); len(federated) != 1 || federated[0] != video.ID {
		t.Fatalf("federation must precede the notification, got %v", federated)
	}
}

func TestOrchestratorDuplicateAttemptSkipsProbe(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	prober := &gateProber{
		gate:   make(chan struct{}),
		result: ProbeResult{HasVideo: true, HasAudio: true, Width: 1280, Height: 720, FPS: 30},
	}
	fixture.orch.prober = prober
	_, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})

	errCh := make(chan error, 1)
	go func() {
		errCh <- fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for prober.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first attempt never reached the probe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The first attempt claimed the video before probing, so the duplicate
	// is refused without a probe of its own.
	if err := fixture.orch.OnPublish(context.Background(), "conn-2", "/live/"+cfg.StreamKey); !errors.Is(err, ErrVideoHasSession) {
		t.Fatalf("expected ErrVideoHasSession, got %v", err)
	}
	if prober.callCount() != 1 {
		t.Fatalf("duplicate attempt must not spend a probe, got %d", prober.callCount())
	}

	close(prober.gate)
	if err := <-errCh; err != nil {
		t.Fatalf("first publish: %v", err)
	}
}

func TestOrchestratorReplayDirectoryDispatched(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	video, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream", SaveReplay: true})

	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fixture.orch.StopSessionOfVideo(video.ID, nil, StopOptions{})

	req := fixture.dispatcher.await(t)
	if req.ReplayDirectory == "" {
		t.Fatalf("replay session must dispatch its replay directory")
	}
	if !strings.HasPrefix(req.ReplayDirectory, transcode.ReplayBaseDirectory(fixture.dataDir, video.ID)) {
		t.Fatalf("replay directory %q outside replay root", req.ReplayDirectory)
	}
}

func TestOrchestratorTranscodingErrorMarksProcessed(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	video, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream", SaveReplay: true})

	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, runner := range fixture.fakeRunners() {
		runner.exitWith(errors.New("encoder crashed"))
	}

	fixture.dispatcher.await(t)
	session, err := fixture.repo.LatestLiveSession(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if session.Error == nil || *session.Error != models.LiveErrorFFmpeg {
		t.Fatalf("expected ffmpeg error, got %+v", session.Error)
	}
	if !session.EndingProcessed {
		t.Fatalf("a failed transcode must never produce a replay")
	}
}

func TestOrchestratorPurgesStalePlaylists(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	video, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})

	staleDir := filepath.Join(fixture.dataDir, "stale")
	if err := os.MkdirAll(staleDir, 0o755); err != nil {
		t.Fatalf("mkdir stale: %v", err)
	}
	if _, err := fixture.repo.UpsertPlaylist(context.Background(), models.StreamingPlaylist{
		VideoID:          video.ID,
		PlaylistFilename: transcode.MasterPlaylistName,
		Directory:        staleDir,
	}); err != nil {
		t.Fatalf("seed stale playlist: %v", err)
	}

	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Fatalf("stale playlist directory must be removed")
	}
	if forced := fixture.notifier.forceEndedVideos(); len(forced) != 1 || forced[0] != video.ID {
		t.Fatalf("players must be warned before the purge, got %v", forced)
	}
}

func TestOrchestratorOnClosedEndsSessionAfterGrace(t *testing.T) {
	fixture := newOrchestratorFixture(t, func(cfg *Config) {
		cfg.DisconnectGrace = 150 * time.Millisecond
	})
	video, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})

	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fixture.orch.OnClosed("conn-1")
	if !fixture.orch.HasSession(video.ID) {
		t.Fatalf("session must survive until the grace expires")
	}

	fixture.dispatcher.await(t)
	deadline := time.Now().Add(5 * time.Second)
	for fixture.orch.HasSession(video.ID) {
		if time.Now().After(deadline) {
			t.Fatalf("session never ended after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOrchestratorStopIgnoresStaleSessionID(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	video, cfg := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})

	if err := fixture.orch.OnPublish(context.Background(), "conn-1", "/live/"+cfg.StreamKey); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fixture.orch.StopSessionOfVideo(video.ID, nil, StopOptions{ExpectedSessionID: "conn-older"})
	if !fixture.orch.HasSession(video.ID) {
		t.Fatalf("stop with a stale session id must be a no-op")
	}
}

func TestOrchestratorRecoverOrphans(t *testing.T) {
	fixture := newOrchestratorFixture(t, nil)
	video, _ := fixture.seedLive(t, storage.CreateLiveParams{Name: "stream"})

	if _, err := fixture.repo.OpenLiveSession(context.Background(), video.ID); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := fixture.repo.SetVideoState(context.Background(), video.ID, models.StatePublished, nil); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	if _, err := fixture.repo.CreateRunnerJob(context.Background(), models.RunnerJob{
		Kind:    models.RunnerJobKindLiveIngest,
		VideoID: video.ID,
	}); err != nil {
		t.Fatalf("seed runner job: %v", err)
	}

	if err := fixture.orch.RecoverOrphans(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	req := fixture.dispatcher.await(t)
	if req.VideoID != video.ID || !req.CleanupNow {
		t.Fatalf("expected immediate cleanup request, got %+v", req)
	}
	if req.SessionID != "" {
		t.Fatalf("recovery has no session handle, got %q", req.SessionID)
	}

	session, err := fixture.repo.LatestLiveSession(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if session.Open() {
		t.Fatalf("orphaned session must be closed")
	}

	cancelled, err := fixture.repo.CancelPendingRunnerJobs(context.Background(), models.RunnerJobKindLiveIngest)
	if err != nil {
		t.Fatalf("count pending jobs: %v", err)
	}
	if cancelled != 0 {
		t.Fatalf("recovery should have cancelled all pending jobs, %d left", cancelled)
	}
}
