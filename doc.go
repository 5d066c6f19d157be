// Package sessiond hosts long-running automation workers, one per account
// identity, and guarantees that no identity is driven by two workers at once,
// even across processes and hosts that share a lock store.
//
// # Components
//
//   - Lock store (mem://, disk://, s3://, aws://, azure://) holding one
//     durable lock record per identity.
//   - Lock manager: acquire, release, list active and sweep stale locks.
//     A lock is stale when older than the lock timeout (default 1h) or when
//     its owner pid on this host is dead.
//   - Rate governor: rolling-hour budgets per worker and action kind,
//     derived from the action log (mem://, bolt://, sqlite://, postgres://).
//   - Retry policy: classifies remote failures (fatal, rate limited,
//     transient, unknown) and backs off accordingly.
//   - Worker supervisor: start/stop/status with exactly-once lock release on
//     every exit path and a periodic sweep/reconcile loop.
//
// # Embedding
//
//	srv, stop, err := sessiond.StartServer(ctx, sessiond.Config{
//	    Listen:      "127.0.0.1:9361",
//	    Store:       "disk:///var/lib/sessiond/locks",
//	    ActionLog:   "bolt:///var/lib/sessiond/actions.db",
//	    WorkersFile: "/etc/sessiond/workers.yaml",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// The control API is described in package api and consumed by package client.
// The sessiond binary (cmd/sessiond) adds operator commands that work on the
// lock store directly: locks list, sweep, release and watch.
package sessiond
