package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	insertFn func(*Record) error
	finishes int
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string]*Record{}} }

func (f *fakeStore) InsertActivity(_ context.Context, r *Record) error {
	if f.insertFn != nil {
		if err := f.insertFn(r); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.records[r.ID] = &cp
	return nil
}

func (f *fakeStore) FinishActivity(_ context.Context, id string, o Outcome, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishes++
	r, ok := f.records[id]
	if !ok {
		return errors.New("no such record")
	}
	r.Status = o.Status
	r.Reason = o.Reason
	r.Error = o.Error
	r.FinishedAt = at
	return nil
}

func TestOpenFinishOnce(t *testing.T) {
	st := newFakeStore()
	j := NewJournal(st, nil)
	ctx := context.Background()

	e, err := j.Open(ctx, Record{SenderID: "s", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if st.records[e.ID()].Status != StatusPending {
		t.Fatalf("opened record status = %q", st.records[e.ID()].Status)
	}

	if !e.Finish(ctx, Outcome{Status: StatusReplied}) {
		t.Fatal("first Finish should apply")
	}
	if e.Finish(ctx, Outcome{Status: StatusError, Error: "late"}) {
		t.Fatal("second Finish must not apply")
	}

	r := st.records[e.ID()]
	if r.Status != StatusReplied || r.Error != "" {
		t.Errorf("record = %+v", r)
	}
	if st.finishes != 1 {
		t.Errorf("FinishActivity called %d times", st.finishes)
	}
	if e.Outcome() == nil || e.Outcome().Status != StatusReplied {
		t.Errorf("Outcome() = %+v", e.Outcome())
	}
}

func TestFinishNonTerminalBecomesError(t *testing.T) {
	st := newFakeStore()
	j := NewJournal(st, nil)
	e, _ := j.Open(context.Background(), Record{SenderID: "s"})
	e.Finish(context.Background(), Outcome{Status: StatusPending})
	if got := st.records[e.ID()].Status; got != StatusError {
		t.Errorf("Status = %q, want error", got)
	}
}

func TestFinishWithCancelledContext(t *testing.T) {
	st := newFakeStore()
	j := NewJournal(st, nil)
	e, _ := j.Open(context.Background(), Record{SenderID: "s"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Finish(ctx, Outcome{Status: StatusSpam, Reason: "too short"})
	if got := st.records[e.ID()].Status; got != StatusSpam {
		t.Errorf("Status = %q, want spam", got)
	}
}

func TestOpenInsertFailure(t *testing.T) {
	st := newFakeStore()
	st.insertFn = func(*Record) error { return errors.New("disk full") }
	j := NewJournal(st, nil)

	e, err := j.Open(context.Background(), Record{SenderID: "s"})
	if err == nil {
		t.Fatal("expected insert error")
	}
	if e == nil {
		t.Fatal("entry must be usable after insert failure")
	}
	if !e.Finish(context.Background(), Outcome{Status: StatusReplied}) {
		t.Error("Finish should still apply")
	}
	if st.finishes != 0 {
		t.Error("orphan entry must not update the store")
	}
}

func TestConcurrentFinish(t *testing.T) {
	st := newFakeStore()
	j := NewJournal(st, nil)
	e, _ := j.Open(context.Background(), Record{SenderID: "s"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.Finish(context.Background(), Outcome{Status: StatusReplied}) {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 || st.finishes != 1 {
		t.Errorf("applied=%d finishes=%d, want 1/1", applied, st.finishes)
	}
}
