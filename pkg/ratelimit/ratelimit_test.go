package ratelimit

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	appErrors "github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/errors"
)

var _ = Describe("Limiter", func() {
	Describe("basic admission", func() {
		It("allows an initial burst up to capacity", func() {
			l := New(Config{RequestsPerPeriod: 10, Period: time.Minute, Burst: 10, Shards: 1})

			for i := 0; i < 5; i++ {
				res, err := l.TryAcquire("k", 1)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Allowed).To(BeTrue())
			}
		})

		It("rejects once burst capacity is exhausted", func() {
			l := New(Config{RequestsPerPeriod: 10, Period: time.Minute, Burst: 10, Shards: 1})

			for i := 0; i < 10; i++ {
				res, err := l.TryAcquire("k", 1)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Allowed).To(BeTrue())
			}

			res, err := l.TryAcquire("k", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeFalse())
			Expect(res.RetryAfter).To(BeNumerically(">", 0))
		})

		It("refills tokens over time", func() {
			// 60 per minute = 1 per second.
			l := New(Config{RequestsPerPeriod: 60, Period: time.Minute, Burst: 10, Shards: 1})

			for i := 0; i < 10; i++ {
				_, err := l.TryAcquire("k", 1)
				Expect(err).NotTo(HaveOccurred())
			}

			time.Sleep(1100 * time.Millisecond)

			res, err := l.TryAcquire("k", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeTrue())
		})

		It("rejects a count above burst capacity as infeasible", func() {
			l := New(Config{RequestsPerPeriod: 10, Period: time.Minute, Burst: 10, Shards: 1})

			_, err := l.TryAcquire("k", 20)
			Expect(err).To(HaveOccurred())
			Expect(appErrors.IsType(err, appErrors.ErrorTypeInfeasible)).To(BeTrue())
		})
	})

	Describe("sharding", func() {
		It("distributes different keys across shards", func() {
			l := New(Config{RequestsPerPeriod: 60, Period: time.Minute, Burst: 20, Shards: 4})

			seen := map[int]bool{}
			for i := 0; i < 50; i++ {
				res, err := l.TryAcquire(string(rune('a'+i%26)), 1)
				Expect(err).NotTo(HaveOccurred())
				seen[res.ShardID] = true
			}

			Expect(len(seen)).To(BeNumerically(">", 1))
		})

		It("round-robins unkeyed requests", func() {
			l := New(Config{RequestsPerPeriod: 60, Period: time.Minute, Burst: 20, Shards: 4})

			first, _ := l.TryAcquire("", 1)
			second, _ := l.TryAcquire("", 1)
			Expect(first.ShardID).NotTo(Equal(second.ShardID))
		})

		It("hashes the same key to the same shard", func() {
			l := New(Config{RequestsPerPeriod: 60, Period: time.Minute, Burst: 20, Shards: 4})

			a, _ := l.TryAcquire("stable-key", 1)
			b, _ := l.TryAcquire("stable-key", 1)
			Expect(a.ShardID).To(Equal(b.ShardID))
		})
	})

	Describe("Acquire with deadline", func() {
		It("blocks until a token is available", func() {
			l := New(Config{RequestsPerPeriod: 600, Period: time.Minute, Burst: 1, Shards: 1})

			_, err := l.Acquire("k", 1, time.Time{})
			Expect(err).NotTo(HaveOccurred())

			start := time.Now()
			res, err := l.Acquire("k", 1, time.Now().Add(2*time.Second))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeTrue())
			Expect(time.Since(start)).To(BeNumerically(">", 50*time.Millisecond))
		})

		It("fails with a timeout error once the deadline elapses", func() {
			l := New(Config{RequestsPerPeriod: 1, Period: time.Hour, Burst: 1, Shards: 1})

			_, err := l.Acquire("k", 1, time.Time{})
			Expect(err).NotTo(HaveOccurred())

			_, err = l.Acquire("k", 1, time.Now().Add(50*time.Millisecond))
			Expect(err).To(HaveOccurred())
			Expect(appErrors.IsType(err, appErrors.ErrorTypeTimeout)).To(BeTrue())
		})
	})

	Describe("reservations", func() {
		It("allocates a reservation redeemable after its execute time", func() {
			l := New(Config{RequestsPerPeriod: 60, Period: time.Minute, Burst: 1, Shards: 1})

			r, err := l.Reserve("batch-user", 1, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.ID).NotTo(BeEmpty())

			if wait := time.Until(r.ExecuteAt); wait > 0 {
				time.Sleep(wait + 10*time.Millisecond)
			}

			res, err := l.ExecuteReservation(r.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeTrue())
		})

		It("fails to reserve beyond max_wait", func() {
			l := New(Config{RequestsPerPeriod: 1, Period: time.Hour, Burst: 1, Shards: 1})

			_, err := l.Reserve("k", 1, time.Millisecond)
			Expect(err).NotTo(HaveOccurred()) // first reservation is immediate (tokens available)

			_, err = l.Reserve("k", 1, time.Millisecond)
			Expect(err).To(HaveOccurred())
		})

		It("rejects redeeming the same reservation twice", func() {
			l := New(Config{RequestsPerPeriod: 60, Period: time.Minute, Burst: 5, Shards: 1})

			r, err := l.Reserve("k", 1, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())

			_, err = l.ExecuteReservation(r.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = l.ExecuteReservation(r.ID)
			Expect(err).To(HaveOccurred())
		})

		It("rejects redeeming before the execute time", func() {
			l := New(Config{RequestsPerPeriod: 1, Period: time.Hour, Burst: 1, Shards: 1})

			_, err := l.Reserve("k", 1, time.Millisecond)
			Expect(err).NotTo(HaveOccurred())

			r, err := l.Reserve("k2", 1, time.Hour)
			Expect(err).NotTo(HaveOccurred())

			_, err = l.ExecuteReservation(r.ID)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("adaptive resharding", func() {
		It("is disabled by default and never changes shard count", func() {
			l := New(Config{RequestsPerPeriod: 60, Period: time.Minute, Burst: 20, Shards: 2})
			Expect(l.Status().Shards).To(Equal(2))

			time.Sleep(50 * time.Millisecond)
			Expect(l.Status().Shards).To(Equal(2))
		})

		It("reshards when enabled and imbalance exceeds the threshold", func() {
			l := New(Config{
				RequestsPerPeriod: 100, Period: time.Minute, Burst: 40, Shards: 2,
				Adaptive: true, RebalanceRatio: 0.1, RebalanceInterval: 20 * time.Millisecond,
			})
			defer l.Close()

			// Exhaust one shard's tokens with a stable key to force imbalance.
			for i := 0; i < 20; i++ {
				l.TryAcquire("hot-key", 1)
			}

			Eventually(func() int {
				return l.Status().Shards
			}, time.Second, 10*time.Millisecond).Should(BeNumerically(">", 2))
		})
	})

	Describe("GetShardBalance", func() {
		It("reports balanced when all shards have equal residue", func() {
			l := New(Config{RequestsPerPeriod: 60, Period: time.Minute, Burst: 20, Shards: 4, RebalanceRatio: 0.3})

			balance := l.GetShardBalance()
			Expect(balance.Balanced).To(BeTrue())
			Expect(balance.Distribution).To(HaveLen(4))
		})
	})
})
