package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createJob(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateJob(JobRecord{
		ID:     id,
		Status: JobQueued,
		ImageA: "a1",
		ImageB: "b1",
		AOI:    AOI{North: 12.45, South: 12.15, East: 77.65, West: 77.25},
		Log:    []string{"job created"},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "job-1")

	running := JobRunning
	now := time.Now().UTC()
	p := 10
	rec, err := s.UpdateJob("job-1", JobPatch{Status: &running, Progress: &p, StartedAt: &now})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Status != JobRunning || rec.Progress != 10 || rec.StartedAt == nil {
		t.Fatalf("unexpected record after start: %+v", rec)
	}

	done := JobDone
	outs := &JobOutputs{ImageA: "/out/A_clipped.tif", ImageB: "/out/B_clipped_aligned.tif"}
	rec, err = s.UpdateJob("job-1", JobPatch{Status: &done, Outputs: outs, CompletedAt: &now})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if rec.Status != JobDone {
		t.Fatalf("expected done, got %s", rec.Status)
	}
	if rec.Progress != 100 {
		t.Fatalf("done must imply progress 100, got %d", rec.Progress)
	}
	if rec.Outputs == nil || rec.Outputs.ImageA != outs.ImageA {
		t.Fatalf("outputs not persisted: %+v", rec.Outputs)
	}

	// Re-read from disk.
	rec, err = s.GetJob("job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != JobDone || rec.Outputs == nil || rec.Error != "" {
		t.Fatalf("persisted record inconsistent: %+v", rec)
	}
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "job-1")

	errMsg := "worker exploded"
	errSt := JobError
	if _, err := s.UpdateJob("job-1", JobPatch{Status: &errSt, Error: &errMsg}); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	running := JobRunning
	p := 55
	rec, err := s.UpdateJob("job-1", JobPatch{Status: &running, Progress: &p})
	if err != nil {
		t.Fatalf("update after terminal: %v", err)
	}
	if rec.Status != JobError {
		t.Fatalf("terminal status reverted to %s", rec.Status)
	}
	if rec.Progress == 55 {
		t.Fatal("progress mutated on terminal job")
	}
	if rec.Error != errMsg {
		t.Fatalf("error message lost: %q", rec.Error)
	}
	if rec.Outputs != nil {
		t.Fatalf("error job must have no outputs: %+v", rec.Outputs)
	}
}

func TestStatusNeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "job-1")

	running := JobRunning
	if _, err := s.UpdateJob("job-1", JobPatch{Status: &running}); err != nil {
		t.Fatal(err)
	}
	queued := JobQueued
	rec, err := s.UpdateJob("job-1", JobPatch{Status: &queued})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != JobRunning {
		t.Fatalf("status moved backwards to %s", rec.Status)
	}
}

func TestProgressIsNonDecreasing(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "job-1")

	for _, p := range []int{30, 10, 60, 45} {
		p := p
		if _, err := s.UpdateJob("job-1", JobPatch{Progress: &p}); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := s.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Progress != 60 {
		t.Fatalf("expected progress 60, got %d", rec.Progress)
	}
}

func TestLogAppendsEvenWhenTerminal(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "job-1")

	done := JobDone
	outs := &JobOutputs{ImageA: "a", ImageB: "b"}
	if _, err := s.UpdateJob("job-1", JobPatch{Status: &done, Outputs: outs}); err != nil {
		t.Fatal(err)
	}
	line := "preview generation failed: boom"
	rec, err := s.UpdateJob("job-1", JobPatch{LogLine: &line})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Log) != 2 || rec.Log[1] != line {
		t.Fatalf("log append lost: %v", rec.Log)
	}
	if rec.Status != JobDone {
		t.Fatalf("log append changed status to %s", rec.Status)
	}
}

func TestConcurrentUpdatesToDifferentJobs(t *testing.T) {
	s := newTestStore(t)
	const n = 8
	for i := 0; i < n; i++ {
		createJob(t, s, fmt.Sprintf("job-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			running := JobRunning
			if _, err := s.UpdateJob(id, JobPatch{Status: &running}); err != nil {
				t.Errorf("update %s: %v", id, err)
				return
			}
			for p := 10; p <= 90; p += 20 {
				p := p
				if _, err := s.UpdateJob(id, JobPatch{Progress: &p}); err != nil {
					t.Errorf("progress %s: %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		rec, err := s.GetJob(fmt.Sprintf("job-%d", i))
		if err != nil {
			t.Fatalf("job-%d lost: %v", i, err)
		}
		if rec.Status != JobRunning || rec.Progress != 90 {
			t.Fatalf("job-%d corrupted: status=%s progress=%d", i, rec.Status, rec.Progress)
		}
	}
}

func TestReadsDoNotFailDuringWrites(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "j1")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		running := JobRunning
		if _, err := s.UpdateJob("j1", JobPatch{Status: &running}); err != nil {
			t.Errorf("mark running: %v", err)
			return
		}
		for p := 1; p <= 90; p++ {
			p := p
			if _, err := s.UpdateJob("j1", JobPatch{Progress: &p}); err != nil {
				t.Errorf("progress %d: %v", p, err)
				return
			}
		}
	}()

	// Poll status the whole time the writer is busy. A read must never
	// come back with a database-locked error.
	for {
		if _, err := s.GetJob("j1"); err != nil {
			t.Fatalf("status read failed mid-write: %v", err)
		}
		if _, err := s.RecentJobs(10); err != nil {
			t.Fatalf("list read failed mid-write: %v", err)
		}
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
	}
}

func TestImageLifecycle(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateImage(ImageRecord{
		ID:               "img-1",
		OriginalFilename: "scene.tif",
		StoredFilename:   "img-1.tif",
		Size:             200 << 20,
		Status:           ImageProcessing,
	})
	if err != nil {
		t.Fatalf("create image: %v", err)
	}

	if _, err := s.GetImage("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ready := ImageReady
	preview := "img-1_preview.tif"
	rec, err := s.UpdateImage("img-1", ImagePatch{Status: &ready, PreviewFilename: &preview})
	if err != nil {
		t.Fatalf("update image: %v", err)
	}
	if rec.Status != ImageReady || rec.PreviewFilename != preview {
		t.Fatalf("unexpected record: %+v", rec)
	}

	rec, err = s.GetImage("img-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ImageReady || rec.Size != 200<<20 {
		t.Fatalf("persisted image inconsistent: %+v", rec)
	}
}

func TestAOIValid(t *testing.T) {
	good := AOI{North: 12.45, South: 12.15, East: 77.65, West: 77.25}
	if !good.Valid() {
		t.Fatal("expected valid AOI")
	}
	cases := []AOI{
		{North: 12.15, South: 12.45, East: 77.65, West: 77.25}, // inverted lat
		{North: 12.45, South: 12.15, East: 77.25, West: 77.65}, // inverted lon
		{North: 1, South: 0, East: 1, West: 1},                 // degenerate
	}
	for i, c := range cases {
		if c.Valid() {
			t.Fatalf("case %d should be invalid: %+v", i, c)
		}
	}
}
