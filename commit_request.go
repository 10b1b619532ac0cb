package kflow

// CommitRequest pairs an OffsetBatch submitted for commit with the channel
// its resolution (success or terminal failure) is delivered on. The Runloop
// is the sole consumer of CommitRequest values; OffsetBatch.commit is the
// sole producer.
type CommitRequest struct {
	Batch OffsetBatch
	done  chan error
}

func newCommitRequest(batch OffsetBatch) CommitRequest {
	return CommitRequest{Batch: batch, done: make(chan error, 1)}
}

// resolve completes the request. The channel is buffered by one, so this
// must be called at most once per request — the Runloop never settles the
// same CommitRequest twice.
func (r CommitRequest) resolve(err error) {
	r.done <- err
}
