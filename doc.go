// Package eureka wires the coordination primitives of a document store that
// runs on object stores without native transactions: a write-ahead log of
// compensating actions, a cluster lock factory, a persistent task queue and
// an atomic reference.
//
// Every primitive has an in-process implementation and implementations that
// share state through a storage substrate (memory, disk, bolt, S3, Azure,
// Consul KV or PostgreSQL). All shared state changes are conditional writes,
// append-only log writes or happen under a cluster lock, so several nodes can
// share one substrate without a coordinator.
//
// # Opening a toolkit
//
//	registry := wal.NewRegistry()
//	registry.MustRegister("docs.delete", &DeleteDocument{})
//	tk, err := eureka.New(ctx, eureka.Config{
//	    Store:               "s3://minio:9000/coord/prod",
//	    AutoRollbackTimeout: 5 * time.Minute,
//	}, eureka.WithRegistry(registry), eureka.WithLogger(logger))
//	if err != nil { return err }
//	defer tk.Close()
//	tk.Start(ctx) // housekeeping
//
// # Transactions
//
// Undo actions are logged before the mutation they compensate. Run commits
// on success and rolls back in reverse logging order on failure:
//
//	err := tk.Transactions().Run(ctx, func(ctx context.Context) error {
//	    if err := tk.Transactions().AppendUndoAction(ctx, &DeleteDocument{ID: id}); err != nil {
//	        return err
//	    }
//	    return putDocument(ctx, id, body)
//	})
//
// A node that crashes mid-transaction leaves an open record behind. The next
// housekeeping pass on any node rolls it back once it is older than
// AutoRollbackTimeout.
//
// # Queues and references
//
//	q, _ := eureka.OpenQueue[Operation](tk, "index")
//	_ = q.Put(ctx, "doc-1", OpCreate)
//	elem, ok, _ := q.Next(ctx) // at most one consumer wins doc-1
//	if ok {
//	    process(elem)
//	    _, _ = q.Done(ctx, elem.Key)
//	}
//
//	ref, _ := eureka.OpenReference[Cursor](tk, "index/cursor")
//	_, _ = ref.AlterAndGet(ctx, func(c Cursor) Cursor { c.Seq++; return c })
package eureka
