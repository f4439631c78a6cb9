// Per-batch broadcast state.
//
// A batchState is created the first time this node touches a batch key —
// origination, receipt, or an incoming subscription — and kept for the
// rest of the run for replay suppression. The reply sets are append-only:
// a vote, once counted, is never withdrawn.

package broadcast

type batchState struct {
	// echoSample and readySample are the peers drawn for this batch's two
	// phases. Empty until the gossip algorithm runs (a batch we only ever
	// answered subscriptions for has no samples).
	echoSample  map[string]bool
	readySample map[string]bool

	// echoReplies and readyReplies hold the NodeIDs whose responses were
	// verified on the subscriber, regardless of sample membership; the
	// thresholds count the intersection with the sample.
	echoReplies  map[string]bool
	readyReplies map[string]bool

	// alreadyReceived holds peers whose router replies advertised the
	// batch as already held; the push in step 4 skips them.
	alreadyReceived map[string]bool
}

func newBatchState() *batchState {
	return &batchState{
		echoSample:      make(map[string]bool),
		readySample:     make(map[string]bool),
		echoReplies:     make(map[string]bool),
		readyReplies:    make(map[string]bool),
		alreadyReceived: make(map[string]bool),
	}
}

// intersection counts sample members present in replies.
func intersection(sample, replies map[string]bool) int {
	n := 0
	for id := range sample {
		if replies[id] {
			n++
		}
	}
	return n
}

// queuedResponse is one echo/ready response awaiting the next publisher
// flush.
type queuedResponse struct {
	topic string
	body  string
	sig   string
}
