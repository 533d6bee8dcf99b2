package api

import (
	"testing"
	"time"
)

func TestAuthTimeoutExpires(t *testing.T) {
	timer := time.NewTimer(time.Millisecond)
	defer timer.Stop()
	done := make(chan struct{})
	expired := make(chan struct{})

	go authTimeout(timer, done, func() { close(expired) })

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("expire was not invoked after the timer fired")
	}
}

func TestAuthTimeoutStoppedByAuthentication(t *testing.T) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	done := make(chan struct{})
	returned := make(chan struct{})
	expired := make(chan struct{})

	go func() {
		authTimeout(timer, done, func() { close(expired) })
		close(returned)
	}()
	close(done)

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("watcher kept running after done closed")
	}
	select {
	case <-expired:
		t.Fatal("expire ran for an authenticated client")
	default:
	}
}
