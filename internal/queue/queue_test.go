package queue_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/socialpulse/trackerd/internal/queue"
	"github.com/socialpulse/trackerd/internal/trackererrors"
)

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return log
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

var _ = Describe("Queue", func() {
	var (
		q       *queue.Queue
		ctx     context.Context
		cancel  context.CancelFunc
		running sync.WaitGroup
	)

	startDispatcher := func() {
		running.Add(1)
		go func() {
			defer running.Done()
			q.Run(ctx)
		}()
	}

	AfterEach(func() {
		cancel()
		running.Wait()
	})

	It("runs at most one job at a time", func() {
		var inFlight int32
		var maxObserved int32
		run := func(ctx context.Context, job queue.Job) (interface{}, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxObserved)
				if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return "ok", nil
		}
		ctx, cancel = context.WithCancel(context.Background())
		q = queue.New(run, time.Millisecond, time.Second, silentLogger())
		startDispatcher()

		var futures []*queue.Future
		for i := 0; i < 5; i++ {
			futures = append(futures, q.Add(queue.Target{Platform: "instagram", Username: fmt.Sprintf("user-%d", i)}, false, "", nil))
		}
		// Five distinct targets, so five jobs are dispatched one after another.
		for _, f := range futures {
			_, err := f.Wait(context.Background())
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(atomic.LoadInt32(&maxObserved)).To(Equal(int32(1)))
	})

	It("deduplicates concurrent Add calls for the same target into one Future", func() {
		var calls int32
		run := func(ctx context.Context, job queue.Job) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			time.Sleep(10 * time.Millisecond)
			return job.Target.Username, nil
		}
		ctx, cancel = context.WithCancel(context.Background())
		q = queue.New(run, time.Millisecond, time.Second, silentLogger())
		startDispatcher()

		f1 := q.Add(queue.Target{Platform: "instagram", Username: "same"}, false, "", nil)
		f2 := q.Add(queue.Target{Platform: "instagram", Username: "same"}, false, "", nil)
		Expect(f1).To(BeIdenticalTo(f2))

		_, err := f1.Wait(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
	})

	It("dispatches immediate jobs ahead of queued non-immediate jobs", func() {
		var order []string
		var mu sync.Mutex
		started := make(chan struct{})
		proceed := make(chan struct{})

		run := func(ctx context.Context, job queue.Job) (interface{}, error) {
			mu.Lock()
			order = append(order, job.Target.Username)
			mu.Unlock()
			if job.Target.Username == "first" {
				close(started)
				<-proceed
			}
			return nil, nil
		}
		ctx, cancel = context.WithCancel(context.Background())
		q = queue.New(run, time.Millisecond, time.Second, silentLogger())
		startDispatcher()

		f1 := q.Add(queue.Target{Platform: "instagram", Username: "first"}, true, "", nil)
		<-started // first job is in flight, blocking the dispatcher

		fLate := q.Add(queue.Target{Platform: "instagram", Username: "queued-first"}, false, "", nil)
		fImmediate := q.Add(queue.Target{Platform: "instagram", Username: "jumps-ahead"}, true, "", nil)

		close(proceed)
		_, _ = f1.Wait(context.Background())
		_, _ = fLate.Wait(context.Background())
		_, _ = fImmediate.Wait(context.Background())

		mu.Lock()
		defer mu.Unlock()
		Expect(order).To(Equal([]string{"first", "jumps-ahead", "queued-first"}))
	})

	It("spaces dispatches by at least the base spacing", func() {
		var timestamps []time.Time
		var mu sync.Mutex
		run := func(ctx context.Context, job queue.Job) (interface{}, error) {
			mu.Lock()
			timestamps = append(timestamps, time.Now())
			mu.Unlock()
			return nil, nil
		}
		spacing := 40 * time.Millisecond
		ctx, cancel = context.WithCancel(context.Background())
		q = queue.New(run, spacing, time.Second, silentLogger())
		startDispatcher()

		f1 := q.Add(queue.Target{Platform: "instagram", Username: "a"}, true, "", nil)
		f2 := q.Add(queue.Target{Platform: "instagram", Username: "b"}, true, "", nil)
		_, _ = f1.Wait(context.Background())
		_, _ = f2.Wait(context.Background())

		mu.Lock()
		defer mu.Unlock()
		Expect(timestamps).To(HaveLen(2))
		Expect(timestamps[1].Sub(timestamps[0])).To(BeNumerically(">=", spacing-5*time.Millisecond))
	})

	It("re-queues a rate-limited job with exponential backoff instead of failing the caller", func() {
		var attempts int32
		run := func(ctx context.Context, job queue.Job) (interface{}, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, trackererrors.New("fetch", trackererrors.RateLimited, nil)
			}
			return "settled", nil
		}
		ctx, cancel = context.WithCancel(context.Background())
		q = queue.New(run, time.Millisecond, time.Second, silentLogger())
		startDispatcher()

		f := q.Add(queue.Target{Platform: "instagram", Username: "retried"}, true, "", nil)
		result, err := f.Wait(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal("settled"))
		Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(3)))
	})

	It("clamps effective spacing to the configured backoff ceiling", func() {
		var attempts int32
		blocked := make(chan struct{})
		release := make(chan struct{})
		run := func(ctx context.Context, job queue.Job) (interface{}, error) {
			if atomic.AddInt32(&attempts, 1) <= 5 {
				return nil, trackererrors.New("fetch", trackererrors.RateLimited, nil)
			}
			close(blocked)
			<-release
			return nil, nil
		}
		ctx, cancel = context.WithCancel(context.Background())
		q = queue.New(run, time.Millisecond, 4*time.Millisecond, silentLogger())
		startDispatcher()

		f := q.Add(queue.Target{Platform: "instagram", Username: "limited"}, true, "", nil)
		<-blocked
		// Five consecutive rate limits: 1ms * 2^5 = 32ms, clamped to 4ms.
		status := q.Status()
		Expect(status.BaseSpacing).To(Equal(time.Millisecond.String()))
		Expect(status.ConsecutiveRateLimitErrors).To(Equal(5))
		Expect(status.EffectiveSpacing).To(Equal((4 * time.Millisecond).String()))
		close(release)
		_, err := f.Wait(context.Background())
		Expect(err).NotTo(HaveOccurred())
	})
})
