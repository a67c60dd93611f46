package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type workerPoolTestSuite struct {
	suite.Suite
}

func (s *workerPoolTestSuite) TestNewRejectsZeroWorkers() {
	pool, err := New(0)
	s.Error(err)
	s.Nil(pool)
}

func (s *workerPoolTestSuite) TestStartStop() {
	pool, err := New(2)
	s.Require().NoError(err)
	pool.Start()
	pool.Stop()
}

func (s *workerPoolTestSuite) TestScheduleRunsTask() {
	pool, err := New(2)
	s.Require().NoError(err)
	pool.Start()
	defer pool.Stop()

	done := make(chan struct{})
	pool.Schedule(false, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("task never ran")
	}
}

func (s *workerPoolTestSuite) TestPriorityTasksAllComplete() {
	pool, err := New(4)
	s.Require().NoError(err)
	pool.Start()
	defer pool.Stop()

	var ran int32
	var wg countingWaiter
	wg.add(100)
	for i := 0; i < 100; i++ {
		priority := i < 20
		pool.Schedule(priority, func() {
			atomic.AddInt32(&ran, 1)
			wg.done()
		})
	}
	wg.wait(s.T())
	s.Equal(int32(100), atomic.LoadInt32(&ran))
}

func (s *workerPoolTestSuite) TestTryScheduleFailsWhenFull() {
	pool, err := New(1)
	s.Require().NoError(err)
	// Don't Start the pool: nothing drains the channel, so it fills up.
	ok := true
	for i := 0; i < queueDepth+1 && ok; i++ {
		ok = pool.TrySchedule(true, func() {})
	}
	s.False(ok)
}

func TestWorkerPoolSuite(t *testing.T) {
	suite.Run(t, new(workerPoolTestSuite))
}

// countingWaiter avoids a data race between sync.WaitGroup.Add and Wait
// being called concurrently from goroutines started by Schedule.
type countingWaiter struct {
	ch chan struct{}
	n  int
}

func (c *countingWaiter) add(n int) {
	c.n = n
	c.ch = make(chan struct{}, n)
}

func (c *countingWaiter) done() {
	c.ch <- struct{}{}
}

func (c *countingWaiter) wait(t *testing.T) {
	t.Helper()
	for i := 0; i < c.n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}
}
