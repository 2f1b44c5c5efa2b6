// Package bounty owns the bounty state machine and its block-deadline
// queues.
//
// A bounty moves through three phases, each gated by a block deadline
// computed at ingest from the market's vote and reveal windows:
//
//	              vote_after        reveal_block      settle_block
//	 active ---------|-----------------|------------------|--------
//	                 vote [true/false] fetch assertions   settle
//	                 -> voted=true     -> revealed=true   -> settled=true
//	                                                      -> finished
//
// Three periodic advance loops scan the store for bounties whose
// deadline has passed and publish one phase event per bounty. In-memory
// membership sets bound the number of in-flight market calls per phase
// and keep a guid from being dispatched twice concurrently; they are a
// latency optimization only, correctness comes from the conditional row
// updates underneath.
//
// Market failures are classified per phase. Transient failures (5xx
// inside the window, any IO error) push the bounty's error_delay_block
// five blocks out and count a strike; three strikes abort the bounty.
// Permanent failures flip the phase flag administratively so the bounty
// cannot wedge the queues.
package bounty
