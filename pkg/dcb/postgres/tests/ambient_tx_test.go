package postgres_test

import (
	"context"
	"time"

	"go-barnacle/pkg/dcb"
	"go-barnacle/pkg/dcb/postgres"

	"github.com/jackc/pgx/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Ambient transaction", func() {
	var ctx context.Context

	tenant := dcb.Tenant("tenant-a")

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 60*time.Second)
		DeferCleanup(cancel)
		Expect(truncateEventsTable(ctx)).To(Succeed())
	})

	It("joins the caller's transaction and leaves commit to the caller", func() {
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		Expect(err).NotTo(HaveOccurred())
		defer tx.Rollback(ctx)

		txCtx := postgres.WithTx(ctx, tx)
		_, err = store.Append(txCtx, tenant, dcb.NewEventBatch(newOrderEvent("123")), nil)
		Expect(err).NotTo(HaveOccurred())

		// Not yet visible outside the transaction.
		got, err := store.Stream(ctx, tenant, orderQuery("123"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeEmpty())

		Expect(tx.Commit(ctx)).To(Succeed())

		got, err = store.Stream(ctx, tenant, orderQuery("123"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(1))
	})

	It("discards appends when the caller rolls back", func() {
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		Expect(err).NotTo(HaveOccurred())

		txCtx := postgres.WithTx(ctx, tx)
		_, err = store.Append(txCtx, tenant, dcb.NewEventBatch(newOrderEvent("123")), nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(tx.Rollback(ctx)).To(Succeed())

		got, err := store.Stream(ctx, tenant, orderQuery("123"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeEmpty())
	})

	It("spans several appends and other statements atomically", func() {
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		Expect(err).NotTo(HaveOccurred())
		defer tx.Rollback(ctx)

		txCtx := postgres.WithTx(ctx, tx)
		_, err = store.Append(txCtx, tenant, dcb.NewEventBatch(newOrderEvent("1")), nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Append(txCtx, tenant, dcb.NewEventBatch(newOrderEvent("2")), nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(tx.Commit(ctx)).To(Succeed())

		got, err := store.Stream(ctx, tenant, dcb.NewStreamQuery().WithEventTypes("order-created"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(2))
	})

	It("reports a boundary conflict without poisoning the transaction", func() {
		_, err := store.Append(ctx, tenant, dcb.NewEventBatch(newOrderEvent("123")), nil)
		Expect(err).NotTo(HaveOccurred())

		tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		Expect(err).NotTo(HaveOccurred())
		defer tx.Rollback(ctx)

		txCtx := postgres.WithTx(ctx, tx)
		_, err = store.Append(txCtx, tenant,
			dcb.NewEventBatch(newOrderEvent("123")),
			dcb.NewAppendCondition(orderQuery("123")))
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

		// The conflict is a result row, not a database error, so the caller's
		// transaction is still usable.
		_, err = store.Append(txCtx, tenant, dcb.NewEventBatch(newOrderEvent("456")), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Commit(ctx)).To(Succeed())

		got, err := store.Stream(ctx, tenant, orderQuery("456"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(1))
	})
})
