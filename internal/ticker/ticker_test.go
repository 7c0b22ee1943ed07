package ticker

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryFiresUntilStopped(t *testing.T) {
	var count atomic.Int32
	task := Every("test", 10*time.Millisecond, func() { count.Add(1) })

	time.Sleep(55 * time.Millisecond)
	task.Stop()
	task.Wait()

	got := count.Load()
	if got < 2 || got > 6 {
		t.Fatalf("fired %d times in ~55ms at 10ms interval", got)
	}

	time.Sleep(30 * time.Millisecond)
	if after := count.Load(); after != got {
		t.Fatalf("task fired after Stop: %d -> %d", got, after)
	}
}

func TestStopIsIdempotentAndNilSafe(t *testing.T) {
	task := Every("test", time.Hour, func() {})
	task.Stop()
	task.Stop()
	task.Wait()

	var nilTask *Task
	nilTask.Stop()
	nilTask.Wait()
}

func TestPanicDoesNotKillTask(t *testing.T) {
	var count atomic.Int32
	task := Every("test", 5*time.Millisecond, func() {
		if count.Add(1) == 1 {
			panic("boom")
		}
	})
	defer func() {
		task.Stop()
		task.Wait()
	}()

	deadline := time.Now().Add(time.Second)
	for count.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("task stopped after panic, count = %d", count.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
