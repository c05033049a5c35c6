// Package gflake generates compact, time-ordered 64-bit identifiers
// ("snowflakes") locally, without a coordinating server.
//
// An ID packs a millisecond timestamp, two small discriminators and a
// per-millisecond sequence counter into one integer:
//
//	| 42 bit timestamp offset | 5 bit process ID | 5 bit worker seed | 12 bit sequence |
//
// The timestamp is an offset from a caller-chosen epoch, which gives roughly
// 139 years of range. Each generator can issue 4096 IDs per millisecond.
//
// Basic Usage:
//
//	gen, err := gflake.New(gflake.DefaultEpoch, 6, 6)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id, err := gen.Next()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(id, id.Components())
//
//	// Translate an ID back to Unix milliseconds
//	ms, err := gflake.ToTimestamp(gflake.DefaultEpoch, id, gflake.Milliseconds)
//
// Lifecycle:
//
//	client, err := gflake.NewClient(gflake.DefaultEpoch, 6, 6)
//	id, err := client.Generate()
//	err = client.Renew(7, 7)   // discard the generator, start a fresh one
//	recent := client.Issued()  // IDs remembered by the client
//
// Guarantees:
//
// IDs issued by one Generator are unique and strictly increasing. If the
// wall clock moves backwards Next fails with a *ClockRegressionError instead
// of issuing an ID that could collide or sort out of order. When a
// millisecond's 4096 sequence values are used up, Next sleeps until the clock
// advances.
//
// Nothing prevents two independently configured generators from using the
// same discriminators; that is an operator's responsibility (see the workerid
// package for lease-based assignment).
//
// Epochs:
//
// Decoding a timestamp requires the epoch the ID was generated with. The
// format carries no epoch tag, so using the wrong epoch silently produces a
// wrong time.
//
// Thread Safety:
//
// Generator and Client are safe for concurrent use.
package gflake
