package device

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFeedLatestPositionWins(t *testing.T) {
	f := NewFeed()
	f.SubmitPosition(Position{Lat: 1})
	f.SubmitPosition(Position{Lat: 2})

	p, err := f.CurrentPosition(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p.Lat != 2 {
		t.Errorf("expected the latest reading, got lat %f", p.Lat)
	}
}

func TestFeedDeniedFailsReads(t *testing.T) {
	f := NewFeed()
	f.Deny()

	if _, err := f.CurrentPosition(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
	if _, err := f.Open(context.Background(), FacingFront); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied from Open, got %v", err)
	}
}

func TestFeedCloseReleasesPendingPositionRead(t *testing.T) {
	f := NewFeed()
	errCh := make(chan error, 1)
	go func() {
		_, err := f.CurrentPosition(context.Background())
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond) // let the read block
	f.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("expected ErrUnavailable, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not release the pending position read")
	}
}

func TestFeedCloseReleasesPendingFrameRead(t *testing.T) {
	f := NewFeed()
	stream, err := f.Open(context.Background(), FacingFront)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := stream.Frame(context.Background())
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	f.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStreamClosed) {
			t.Errorf("expected ErrStreamClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not release the pending frame read")
	}
}

func TestFeedStreamStopIdempotent(t *testing.T) {
	f := NewFeed()
	stream, err := f.Open(context.Background(), FacingRear)
	if err != nil {
		t.Fatal(err)
	}
	stream.Stop()
	stream.Stop() // must not panic

	if _, err := stream.Frame(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed after Stop, got %v", err)
	}
}
