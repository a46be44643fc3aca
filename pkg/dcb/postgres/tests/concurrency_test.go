package postgres_test

import (
	"context"
	"time"

	"go-barnacle/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"
)

var _ = Describe("Concurrency", func() {
	var ctx context.Context

	tenant := dcb.Tenant("tenant-a")

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 60*time.Second)
		DeferCleanup(cancel)
		Expect(truncateEventsTable(ctx)).To(Succeed())
	})

	It("lets exactly one of N racing expect-none writers through", func() {
		const writers = 10
		query := orderQuery("123")

		start := make(chan struct{})
		results := make([]error, writers)

		var group errgroup.Group
		for i := 0; i < writers; i++ {
			i := i
			group.Go(func() error {
				<-start
				_, err := store.Append(ctx, tenant,
					dcb.NewEventBatch(newOrderEvent("123")),
					dcb.NewAppendCondition(query))
				results[i] = err
				return nil
			})
		}
		close(start)
		Expect(group.Wait()).To(Succeed())

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
			} else {
				Expect(dcb.IsConcurrencyError(err)).To(BeTrue(), "unexpected error: %v", err)
			}
		}
		Expect(succeeded).To(Equal(1))

		got, err := store.Stream(ctx, tenant, query, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(1))
	})

	It("serialises two writers racing on the same AfterEventID", func() {
		e1 := newOrderEvent("123")
		_, err := store.Append(ctx, tenant, dcb.NewEventBatch(e1), nil)
		Expect(err).NotTo(HaveOccurred())

		condition := dcb.NewAppendConditionAfter(orderQuery("123"), e1.ID)
		start := make(chan struct{})
		results := make([]error, 2)

		var group errgroup.Group
		for i := 0; i < 2; i++ {
			i := i
			group.Go(func() error {
				<-start
				_, err := store.Append(ctx, tenant,
					dcb.NewEventBatch(newOrderEvent("123")), condition)
				results[i] = err
				return nil
			})
		}
		close(start)
		Expect(group.Wait()).To(Succeed())

		// The later writer either sees the earlier one inside the boundary or
		// both interleave cleanly; never two unconditional successes with a
		// stale premise.
		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
			} else {
				Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
			}
		}
		Expect(succeeded).To(BeNumerically(">=", 1))

		got, err := store.Stream(ctx, tenant, orderQuery("123"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(1 + succeeded))
	})
})
