package retrain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voyage/config"
	"voyage/db"
	"voyage/ml"
	"voyage/monitoring"
)

func writeTrainingData(t *testing.T, withUsers bool) config.DatasetConfig {
	t.Helper()
	dir := t.TempDir()
	paths := config.DatasetConfig{
		Flights: filepath.Join(dir, "flights.csv"),
		Hotels:  filepath.Join(dir, "hotels.csv"),
		Users:   filepath.Join(dir, "users.csv"),
	}

	var flights strings.Builder
	flights.WriteString("travelCode,userCode,from,to,flightType,price,time,distance,agency,date\n")
	cities := []string{"Recife (PE)", "Natal (RN)", "Aracaju (SE)", "Brasilia (DF)"}
	for i := 0; i < 40; i++ {
		from, to := cities[i%4], cities[(i+1)%4]
		distance := 300 + float64(i%4)*200
		kind, price := "economic", distance*1.1
		if i%2 == 0 {
			kind, price = "firstClass", distance*2.3
		}
		fmt.Fprintf(&flights, "%d,%d,%s,%s,%s,%.2f,%.2f,%.2f,FlyingDrops,%02d/%02d/2019\n",
			i, i%5, from, to, kind, price, distance/400, distance, i%9+1, i%27+1)
	}

	var hotels strings.Builder
	hotels.WriteString("travelCode,userCode,name,place,days,price,total,date\n")
	bookings := [][2]string{{"0", "Hotel A"}, {"0", "Hotel B"}, {"1", "Hotel A"}, {"1", "Hotel C"}, {"2", "Hotel K"}, {"3", "Hotel B"}}
	for i, b := range bookings {
		fmt.Fprintf(&hotels, "%d,%s,%s,Natal (RN),2,150,300,09/26/2019\n", i, b[0], b[1])
	}

	files := map[string]string{paths.Flights: flights.String(), paths.Hotels: hotels.String()}
	if withUsers {
		files[paths.Users] = "code,company,name,gender,age\n" +
			"0,4You,Roy Braun,male,21\n1,4You,Ana Souza,female,30\n" +
			"2,Acme,Joao Silva,male,45\n3,Acme,Maria Lima,female,27\n"
	}
	for path, body := range files {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func testParams() Params {
	p := ParamsFromConfig(config.Default().Retrain)
	p.Forest.NEstimators = 5
	return p
}

func testArtifacts(t *testing.T) config.ArtifactsConfig {
	a := config.Default().Artifacts
	a.Dir = filepath.Join(t.TempDir(), "models")
	return a
}

func TestTrainAndPublish(t *testing.T) {
	paths := writeTrainingData(t, true)
	res, err := NewTrainer(paths, nil, testParams(), nil).Train(context.Background())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if res.Metrics.TrainRows+res.Metrics.TestRows != 40 || res.Metrics.TestRows == 0 {
		t.Errorf("unexpected split %+v", res.Metrics)
	}
	if res.Gender == nil || res.Recommender == nil {
		t.Fatal("expected gender and recommender artifacts")
	}
	if len(res.Recommender.UserEncoder) != 4 || len(res.Recommender.HotelEncoder) != 4 {
		t.Errorf("unexpected encoders %v %v", res.Recommender.UserEncoder, res.Recommender.HotelEncoder)
	}

	artifacts := testArtifacts(t)
	written, err := NewDeployer(artifacts, "", nil).Publish(res)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(written) != 4 {
		t.Errorf("expected 4 files, got %v", written)
	}
	leftovers, _ := filepath.Glob(filepath.Join(artifacts.Dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}

	loaded := ml.LoadArtifacts(ml.ArtifactPaths{
		PriceModel:    artifacts.PriceModelPath(),
		PriceMetadata: artifacts.PriceMetadataPath(),
		GenderModel:   artifacts.GenderModelPath(),
		Recommender:   artifacts.RecommenderPath(),
	}, 8, nil)
	for model, ok := range loaded.Status() {
		if !ok {
			t.Errorf("%s did not load from published artifacts", model)
		}
	}
	price, err := loaded.PredictPrice(context.Background(), map[string]interface{}{
		"from": "Recife (PE)", "to": "Natal (RN)", "flightType": "economic", "agency": "FlyingDrops",
		"time": 0.75, "distance": 300.0, "day": 1, "month": 1, "year": 2019,
	})
	if err != nil || price <= 0 {
		t.Errorf("unexpected prediction %v, %v", price, err)
	}
}

func TestTrainWithoutUsersSkipsGender(t *testing.T) {
	paths := writeTrainingData(t, false)
	res, err := NewTrainer(paths, nil, testParams(), nil).Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Gender != nil {
		t.Error("gender model trained without users")
	}
	artifacts := testArtifacts(t)
	written, err := NewDeployer(artifacts, "", nil).Publish(res)
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 3 {
		t.Errorf("expected gender artifact to be left alone, wrote %v", written)
	}
}

func TestTrainerRejectsEmptyFlights(t *testing.T) {
	tr := NewTrainer(config.DatasetConfig{}, nil, testParams(), nil)
	if _, _, _, err := tr.TrainPriceModel(nil); !errors.Is(err, ErrNoTrainingData) {
		t.Fatalf("expected ErrNoTrainingData, got %v", err)
	}
}

func TestPublishRestoresPreviousArtifactsOnFailure(t *testing.T) {
	artifacts := testArtifacts(t)
	if err := os.MkdirAll(artifacts.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	previous := map[string]string{
		artifacts.PriceModelPath():    "old model\n",
		artifacts.PriceMetadataPath(): "old metadata\n",
	}
	for path, content := range previous {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	d := NewDeployer(artifacts, "", nil)
	d.rename = func(oldpath, newpath string) error {
		if newpath == artifacts.PriceMetadataPath() {
			return errors.New("disk full")
		}
		return os.Rename(oldpath, newpath)
	}
	if _, err := d.Publish(&Result{}); err == nil {
		t.Fatal("expected publish to fail")
	}

	for path, content := range previous {
		got, err := os.ReadFile(path)
		if err != nil || string(got) != content {
			t.Errorf("%s: expected previous content %q, got %q (%v)", filepath.Base(path), content, got, err)
		}
	}
	if _, err := os.Stat(artifacts.RecommenderPath()); !os.IsNotExist(err) {
		t.Errorf("new recommender should not be left behind: %v", err)
	}
	entries, _ := os.ReadDir(artifacts.Dir)
	if len(entries) != len(previous) {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("leftover files in artifact dir: %v", names)
	}
}

func TestDeployerRestart(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "restarted")
	if err := NewDeployer(testArtifacts(t), "touch "+marker, nil).Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("deploy command did not run: %v", err)
	}
	if err := NewDeployer(testArtifacts(t), "exit 3", nil).Restart(context.Background()); err == nil {
		t.Error("expected failing command to return an error")
	}
	if err := NewDeployer(testArtifacts(t), "", nil).Restart(context.Background()); err != nil {
		t.Errorf("empty command should be a no-op, got %v", err)
	}
}

func TestRunStepsRetriesThenStops(t *testing.T) {
	var calls []string
	failing := errors.New("docker daemon not running")
	steps := []Step{
		{Name: "a", Run: func(context.Context) error { calls = append(calls, "a"); return nil }},
		{Name: "b", Run: func(context.Context) error { calls = append(calls, "b"); return failing }},
		{Name: "c", Run: func(context.Context) error { calls = append(calls, "c"); return nil }},
	}

	err := RunSteps(context.Background(), steps, RetryPolicy{Retries: 2}, nil)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "b" || stepErr.Attempts != 3 {
		t.Fatalf("unexpected error %v", err)
	}
	if !errors.Is(err, failing) {
		t.Error("step error should wrap the cause")
	}
	if got := strings.Join(calls, ","); got != "a,b,b,b" {
		t.Errorf("unexpected call sequence %s", got)
	}
}

func TestRunStepsRecoversOnRetry(t *testing.T) {
	attempts := 0
	steps := []Step{{Name: "flaky", Run: func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	}}}
	if err := RunSteps(context.Background(), steps, RetryPolicy{Retries: 1, RetryDelay: time.Millisecond}, nil); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRunStepsCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	steps := []Step{{Name: "x", Run: func(context.Context) error { return errors.New("fail") }}}

	start := time.Now()
	err := RunSteps(ctx, steps, RetryPolicy{Retries: 1, RetryDelay: time.Hour}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("retry delay ignored cancellation")
	}
}

type memoryRuns struct {
	mu   sync.Mutex
	runs []db.TrainingRun
}

func (m *memoryRuns) SaveTrainingRun(_ context.Context, run db.TrainingRun) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return int64(len(m.runs)), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []monitoring.Alert
}

func (r *recordingNotifier) SendAlert(_ context.Context, alert monitoring.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func TestPipelineRun(t *testing.T) {
	paths := writeTrainingData(t, true)
	artifacts := testArtifacts(t)
	runs := &memoryRuns{}
	notifier := &recordingNotifier{}
	p := NewPipeline(
		NewTrainer(paths, nil, testParams(), nil),
		NewDeployer(artifacts, "", nil),
		runs, RetryPolicy{Retries: 1}, nil).WithNotifier(notifier)

	run, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != StatusOK || run.ID != 1 || run.RunID == "" || run.TrainRows == 0 {
		t.Errorf("unexpected run %+v", run)
	}
	if _, err := os.Stat(artifacts.PriceModelPath()); err != nil {
		t.Errorf("price model not published: %v", err)
	}
	if len(notifier.alerts) != 1 || notifier.alerts[0].Level != monitoring.AlertInfo {
		t.Errorf("expected one success alert, got %+v", notifier.alerts)
	}
}

func TestPipelineRunRecordsFailedStep(t *testing.T) {
	paths := writeTrainingData(t, true)
	runs := &memoryRuns{}
	notifier := &recordingNotifier{}
	p := NewPipeline(
		NewTrainer(paths, nil, testParams(), nil),
		NewDeployer(testArtifacts(t), "exit 1", nil),
		runs, RetryPolicy{Retries: 1, RetryDelay: time.Millisecond}, nil).WithNotifier(notifier)

	run, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if run.Status != StatusFail || run.FailedStep != StepDeploy {
		t.Errorf("unexpected run %+v", run)
	}
	if len(runs.runs) != 1 || runs.runs[0].FailedStep != StepDeploy {
		t.Errorf("failed run not recorded: %+v", runs.runs)
	}
	if len(notifier.alerts) != 1 || notifier.alerts[0].Level != monitoring.AlertCritical {
		t.Errorf("expected one failure alert, got %+v", notifier.alerts)
	}
}

type countingRunner struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingRunner) Run(ctx context.Context) (*db.TrainingRun, error) {
	c.calls.Add(1)
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &db.TrainingRun{Status: StatusOK}, nil
}

func TestSchedulerSingleRunAtATime(t *testing.T) {
	runner := &countingRunner{release: make(chan struct{})}
	s := NewScheduler(time.Hour, runner, nil)

	done := make(chan struct{})
	go func() {
		s.ExecuteNow(context.Background())
		close(done)
	}()
	for runner.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := s.ExecuteNow(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	close(runner.release)
	<-done

	stats := s.GetStats()
	if stats["execution_count"] != int64(1) || stats["last_status"] != StatusOK {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestSchedulerTickAndTrigger(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(20*time.Millisecond, runner, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrSchedulerRunning) {
		t.Errorf("expected ErrSchedulerRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runner.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runner.calls.Load() < 2 {
		t.Fatalf("expected scheduled runs, got %d", runner.calls.Load())
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if s.GetStats()["running"] != false {
		t.Error("scheduler still running after Stop")
	}

	manual := NewScheduler(time.Hour, runner, nil)
	if !manual.GetNextExecutionTime().IsZero() {
		t.Error("stopped scheduler should have no next run")
	}
	before := runner.calls.Load()
	manual.Start(context.Background())
	if next := time.Until(manual.GetNextExecutionTime()); next <= 59*time.Minute || next > time.Hour {
		t.Errorf("next run in %v, expected about an hour", next)
	}
	manual.Trigger()
	deadline = time.Now().Add(2 * time.Second)
	for runner.calls.Load() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	manual.Stop()
	if runner.calls.Load() == before {
		t.Error("trigger did not start a run")
	}
}

func TestDataWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flights.csv")
	if err := os.WriteFile(path, []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Int32
	w, err := NewDataWatcher([]string{path}, 50*time.Millisecond, func() { fired.Add(1) }, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 5; i++ {
		os.WriteFile(path, []byte(fmt.Sprintf("a\n%d\n", i)), 0o644)
		time.Sleep(5 * time.Millisecond)
	}
	// unrelated files in the same directory are ignored
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("expected one debounced trigger, got %d", n)
	}
}
