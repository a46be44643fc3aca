package postgres_test

import (
	"context"
	"time"

	"go-barnacle/pkg/dcb"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Postgres EventStore", func() {
	var ctx context.Context

	tenantA := dcb.Tenant("tenant-a")
	tenantB := dcb.Tenant("tenant-b")

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
		Expect(truncateEventsTable(ctx)).To(Succeed())
	})

	Describe("Append", func() {
		It("assigns strictly increasing positions in input order", func() {
			batch := dcb.NewEventBatch(newOrderEvent("1"), newOrderEvent("2"), newOrderEvent("3"))

			out, err := store.Append(ctx, tenantA, batch, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveLen(3))

			last := int64(0)
			for i, envelope := range out {
				Expect(envelope.ID).To(Equal(batch[i].ID))
				Expect(envelope.Position()).To(BeNumerically(">", last))
				last = envelope.Position()
			}
		})

		It("returns empty without side effects for an empty batch", func() {
			out, err := store.Append(ctx, tenantA, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(BeEmpty())
		})

		It("rejects duplicate event ids and stores nothing", func() {
			event := newOrderEvent("123")
			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(event), nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Append(ctx, tenantA, dcb.NewEventBatch(event), nil)
			Expect(dcb.IsDuplicateEventError(err)).To(BeTrue())

			// Ids are unique across tenants as well.
			_, err = store.Append(ctx, tenantB, dcb.NewEventBatch(event), nil)
			Expect(dcb.IsDuplicateEventError(err)).To(BeTrue())

			got, err := store.Stream(ctx, tenantA, orderQuery("123"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
		})

		It("rejects reserved metadata keys before any I/O", func() {
			event := newOrderEvent("123")
			event.Metadata = map[string]string{dcb.MetadataKeyPosition: "7"}

			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(event), nil)
			Expect(dcb.IsValidationError(err)).To(BeTrue())
		})

		It("uses the bulk path for large batches", func() {
			// Default threshold is 5; this batch takes the single-statement path.
			batch := make([]dcb.InputEvent, 8)
			for i := range batch {
				batch[i] = newOrderEvent("bulk")
			}

			out, err := store.Append(ctx, tenantA, batch, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveLen(8))

			got, err := store.Stream(ctx, tenantA, orderQuery("bulk"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(8))
			for i, envelope := range got {
				Expect(envelope.ID).To(Equal(batch[i].ID))
			}
		})

		It("propagates cancellation and stores nothing", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := store.Append(cancelled, tenantA, dcb.NewEventBatch(newOrderEvent("123")), nil)
			Expect(err).To(MatchError(context.Canceled))

			got, err := store.Stream(ctx, tenantA, orderQuery("123"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeEmpty(), "cancelled append rolled back")

			_, err = store.Stream(cancelled, tenantA, orderQuery("123"), nil)
			Expect(err).To(MatchError(context.Canceled))
		})

		It("checks the boundary on the bulk path too", func() {
			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(newOrderEvent("bulk")), nil)
			Expect(err).NotTo(HaveOccurred())

			batch := make([]dcb.InputEvent, 6)
			for i := range batch {
				batch[i] = newOrderEvent("bulk")
			}
			_, err = store.Append(ctx, tenantA, batch, dcb.NewAppendCondition(orderQuery("bulk")))
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

			got, err := store.Stream(ctx, tenantA, orderQuery("bulk"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1), "failed bulk append stored nothing")
		})
	})

	Describe("Dynamic consistency boundary", func() {
		It("accepts an append when nothing entered the boundary", func() {
			e1 := newOrderEvent("123")
			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(e1), nil)
			Expect(err).NotTo(HaveOccurred())

			e2 := newOrderEvent("123")
			_, err = store.Append(ctx, tenantA, dcb.NewEventBatch(e2),
				dcb.NewAppendConditionAfter(orderQuery("123"), e1.ID))
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Stream(ctx, tenantA, orderQuery("123"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
			Expect(got[0].ID).To(Equal(e1.ID))
			Expect(got[1].ID).To(Equal(e2.ID))
		})

		It("rejects an append when the boundary grew since the writer read", func() {
			e1 := newOrderEvent("123")
			e2 := newOrderEvent("123")
			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(e1, e2), nil)
			Expect(err).NotTo(HaveOccurred())

			e3 := newOrderEvent("123")
			_, err = store.Append(ctx, tenantA, dcb.NewEventBatch(e3),
				dcb.NewAppendConditionAfter(orderQuery("123"), e1.ID))
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

			got, err := store.Stream(ctx, tenantA, orderQuery("123"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
		})

		It("rejects expect-none when any matching event exists", func() {
			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(newOrderEvent("123")), nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Append(ctx, tenantA, dcb.NewEventBatch(newOrderEvent("123")),
				dcb.NewAppendCondition(orderQuery("123")))
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		})

		It("treats an unknown AfterEventID as expect-none", func() {
			unknown := uuid.New()

			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(newOrderEvent("123")),
				dcb.NewAppendConditionAfter(orderQuery("123"), unknown))
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Append(ctx, tenantA, dcb.NewEventBatch(newOrderEvent("123")),
				dcb.NewAppendConditionAfter(orderQuery("123"), unknown))
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		})

		It("scopes the boundary to the tenant", func() {
			_, err := store.Append(ctx, tenantB, dcb.NewEventBatch(newOrderEvent("123")), nil)
			Expect(err).NotTo(HaveOccurred())

			// tenant-b's events are invisible to tenant-a's boundary.
			_, err = store.Append(ctx, tenantA, dcb.NewEventBatch(newOrderEvent("123")),
				dcb.NewAppendCondition(orderQuery("123")))
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Stream", func() {
		It("round-trips events in position order", func() {
			batch := dcb.NewEventBatch(newOrderEvent("123"), newOrderEvent("123"), newOrderEvent("123"))
			_, err := store.Append(ctx, tenantA, batch, nil)
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Stream(ctx, tenantA, orderQuery("123"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(3))
			for i, envelope := range got {
				Expect(envelope.ID).To(Equal(batch[i].ID))
			}
		})

		It("never crosses tenants", func() {
			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(newOrderEvent("123")), nil)
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Stream(ctx, tenantB, orderQuery("123"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeEmpty())
		})

		It("returns nothing for the empty query", func() {
			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(newOrderEvent("123")), nil)
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Stream(ctx, tenantA, dcb.NewStreamQuery(), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeEmpty())
		})

		It("honours the event type wildcard", func() {
			created := dcb.NewInputEvent("order-created", dcb.NewTags("order", "1"), dcb.ToJSON("a"), nil)
			shipped := dcb.NewInputEvent("order-shipped", dcb.NewTags("order", "1"), dcb.ToJSON("b"), nil)
			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(created, shipped), nil)
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Stream(ctx, tenantA, dcb.NewStreamQuery().WithEventTypes(dcb.EventTypeAny), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
		})

		It("requires every tag in ALL mode", func() {
			onlyOrder := dcb.NewInputEvent("order-created", dcb.NewTags("order", "123"), dcb.ToJSON("a"), nil)
			both := dcb.NewInputEvent("order-created", dcb.NewTags("order", "123", "product", "456"), dcb.ToJSON("b"), nil)
			onlyProduct := dcb.NewInputEvent("order-created", dcb.NewTags("product", "456"), dcb.ToJSON("c"), nil)
			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(onlyOrder, both, onlyProduct), nil)
			Expect(err).NotTo(HaveOccurred())

			query := dcb.NewStreamQuery().
				WithTags(dcb.MustTag("order", "123"), dcb.MustTag("product", "456")).
				RequiringAllTags()
			got, err := store.Stream(ctx, tenantA, query, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
			Expect(got[0].ID).To(Equal(both.ID))
		})

		It("truncates to MaxCount after ordering", func() {
			batch := make([]dcb.InputEvent, 5)
			for i := range batch {
				batch[i] = newOrderEvent("123")
			}
			_, err := store.Append(ctx, tenantA, batch, nil)
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Stream(ctx, tenantA, orderQuery("123"), &dcb.StreamOptions{MaxCount: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(3))
			for i, envelope := range got {
				Expect(envelope.ID).To(Equal(batch[i].ID))
			}
		})

		It("preserves caller metadata and injects the position", func() {
			event := dcb.NewInputEvent("order-created", dcb.NewTags("order", "123"), dcb.ToJSON("x"),
				map[string]string{"correlation-id": "abc"})
			_, err := store.Append(ctx, tenantA, dcb.NewEventBatch(event), nil)
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Stream(ctx, tenantA, orderQuery("123"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
			Expect(got[0].Metadata["correlation-id"]).To(Equal("abc"))
			Expect(got[0].Metadata[dcb.MetadataKeyPosition]).NotTo(BeEmpty())
			Expect(got[0].Position()).To(BeNumerically(">", 0))
		})
	})

	Describe("StreamChannel", func() {
		It("delivers the result set and closes the channel", func() {
			batch := dcb.NewEventBatch(newOrderEvent("123"), newOrderEvent("123"))
			_, err := store.Append(ctx, tenantA, batch, nil)
			Expect(err).NotTo(HaveOccurred())

			ch, err := store.StreamChannel(ctx, tenantA, orderQuery("123"))
			Expect(err).NotTo(HaveOccurred())

			var got []dcb.Event
			for e := range ch {
				got = append(got, e)
			}
			Expect(got).To(HaveLen(2))
			Expect(got[0].ID).To(Equal(batch[0].ID))
			Expect(got[1].ID).To(Equal(batch[1].ID))
		})
	})
})
