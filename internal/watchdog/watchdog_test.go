package watchdog

import (
	"context"
	"testing"
	"time"
)

func TestFeedPreventsStarvation(t *testing.T) {
	starved := make(chan struct{}, 1)
	m := New(40*time.Millisecond, func() { starved <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	stop := time.After(120 * time.Millisecond)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-tick.C:
			m.Feed()
		}
	}

	select {
	case <-starved:
		t.Fatal("should not have starved while being fed")
	default:
	}
}

func TestStarvesWithoutFeed(t *testing.T) {
	starved := make(chan struct{}, 1)
	m := New(20*time.Millisecond, func() { starved <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case <-starved:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected starvation callback")
	}
	if !m.Starved() {
		t.Fatal("Starved() should report true")
	}
}
