package ratelimit

import (
	"testing"
	"time"
)

func TestTryAcquire_BucketExhaustion(t *testing.T) {
	l := New(3, 0.0001, 10, time.Minute) // effectively no refill during the test
	bucket := l.NewBucket()

	for i := 0; i < 3; i++ {
		if !l.TryAcquire(bucket) {
			t.Fatalf("token %d should have been available", i)
		}
	}
	if l.TryAcquire(bucket) {
		t.Error("bucket should be exhausted after capacity tokens")
	}
}

func TestTryChat_WindowLimit(t *testing.T) {
	l := New(10, 10, 3, 10*time.Second)

	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.TryChat("user-1", 42) {
			t.Fatalf("message %d should be accepted", i)
		}
	}
	if l.TryChat("user-1", 42) {
		t.Error("message beyond window limit should be rejected")
	}

	// Another principal and another room are independent.
	if !l.TryChat("user-2", 42) {
		t.Error("different principal should have its own window")
	}
	if !l.TryChat("user-1", 43) {
		t.Error("different room should have its own window")
	}
}

func TestTryChat_WindowSlides(t *testing.T) {
	l := New(10, 10, 2, 10*time.Second)

	now := time.Now()
	l.now = func() time.Time { return now }

	if !l.TryChat("user-1", 7) || !l.TryChat("user-1", 7) {
		t.Fatal("first two messages should be accepted")
	}
	if l.TryChat("user-1", 7) {
		t.Fatal("third message inside window should be rejected")
	}

	// Advance past the window; old entries are pruned lazily.
	now = now.Add(11 * time.Second)
	if !l.TryChat("user-1", 7) {
		t.Error("message after window elapsed should be accepted")
	}
}

func TestTryChat_RejectionDoesNotCount(t *testing.T) {
	l := New(10, 10, 1, 10*time.Second)

	now := time.Now()
	l.now = func() time.Time { return now }

	if !l.TryChat("user-1", 1) {
		t.Fatal("first message should be accepted")
	}
	for i := 0; i < 5; i++ {
		if l.TryChat("user-1", 1) {
			t.Fatal("over-limit message should be rejected")
		}
	}

	now = now.Add(11 * time.Second)
	if !l.TryChat("user-1", 1) {
		t.Error("rejections must not extend the window")
	}
}

func TestForgetChat(t *testing.T) {
	l := New(10, 10, 1, time.Hour)

	if !l.TryChat("user-1", 9) {
		t.Fatal("first message should be accepted")
	}
	if l.TryChat("user-1", 9) {
		t.Fatal("second message should be rejected")
	}

	l.ForgetChat("user-1", 9)
	if !l.TryChat("user-1", 9) {
		t.Error("window should reset after ForgetChat")
	}
}
