package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRecordsOwner(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	o := readOwner(filepath.Join(dir, "LOCK"))
	if o.PID != os.Getpid() {
		t.Errorf("owner PID = %d, want %d", o.PID, os.Getpid())
	}
	if time.Since(o.Since) > time.Minute {
		t.Errorf("owner Since = %v", o.Since)
	}
}

func TestAcquireCreatesProfileDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles", "work")
	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("profile dir mode = %o, want 0700", info.Mode().Perm())
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dir)
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire() error = %T %v, want *HeldError", err, err)
	}
	if held.Owner.PID != os.Getpid() {
		t.Errorf("HeldError PID = %d, want %d", held.Owner.PID, os.Getpid())
	}
}

func TestReleaseNilAndTwice(t *testing.T) {
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}

	l, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Release()

	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() after Release error = %v", err)
	}
	_ = l2.Release()
}

func TestHolder(t *testing.T) {
	dir := t.TempDir()

	if _, held := Holder(dir); held {
		t.Fatal("Holder() reports a lock before Acquire")
	}

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	owner, held := Holder(dir)
	if !held || owner.PID != os.Getpid() {
		t.Errorf("Holder() = %+v, %v; want PID %d, true", owner, held, os.Getpid())
	}

	_ = l.Release()
	if _, held := Holder(dir); held {
		t.Error("Holder() reports a lock after Release")
	}
}
