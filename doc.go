// Package syncd implements an offline-first synchronization and realtime
// session server, together with the client engine that talks to it.
//
// The server keeps authoritative resource state, applies idempotent
// mutations with last-write-wins conflict resolution, fans realtime events
// out over websockets, and rate-limits clients per endpoint class:
//
//	cfg := syncd.Config{Listen: ":9380", Tokens: map[string]string{"tok": "user-1"}}
//	srv, err := syncd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
//	defer srv.Close()
//
// The client side lives in the client package: a durable local store, a
// reachability monitor, a request dispatcher with cache strategies, a queue
// processor that replays offline mutations, and the realtime channel.
package syncd
