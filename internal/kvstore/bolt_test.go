package kvstore

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltStore specifics", func() {
	var (
		store *BoltStore
		ctx   context.Context
		now   time.Time
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		store, err = NewBoltStore(filepath.Join(GinkgoT().TempDir(), "kv.db"), 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		now = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
		store.now = func() time.Time { return now }
	})

	Describe("Sweep", func() {
		BeforeEach(func() {
			Expect(store.Put(ctx, "ratelimit/old", []byte("1"))).To(Succeed())
			Expect(store.Put(ctx, "docai/p/old", []byte("1"))).To(Succeed())
			now = now.Add(3 * time.Minute)
			Expect(store.Put(ctx, "ratelimit/new", []byte("1"))).To(Succeed())
		})

		It("removes records older than the cutoff under the prefix", func() {
			removed, err := store.Sweep(ctx, "ratelimit/", 2*time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(1))

			_, err = store.Get(ctx, "ratelimit/old")
			Expect(err).To(MatchError(ErrNotFound))
			_, err = store.Get(ctx, "ratelimit/new")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Get(ctx, "docai/p/old")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	It("stamps records with the store clock", func() {
		Expect(store.Put(ctx, "k", []byte("v"))).To(Succeed())
		rec, err := store.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Modified).To(BeTemporally("==", now))
	})

	It("forgets lock slots once nobody holds or waits for them", func() {
		for _, key := range []string{"ratelimit/a", "ratelimit/b", "ratelimit/c"} {
			Expect(store.WithLock(ctx, key, func(context.Context) error { return nil })).To(Succeed())
		}

		err := store.WithLock(ctx, "busy", func(ctx context.Context) error {
			return store.WithLock(ctx, "busy", func(context.Context) error { return nil })
		})
		Expect(err).To(MatchError(ErrLockUnavailable))
		Expect(store.locks.size()).To(BeZero())
	})
})
