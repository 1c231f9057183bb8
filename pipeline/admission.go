package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrUploadInProgress is returned under the reject admission policy when
// a user submits while their previous submission is still being
// dispatched.
var ErrUploadInProgress = errors.New("an upload for this user is already in progress")

// Admission policies for concurrent same-user submissions.
const (
	PolicyReject = "reject"
	PolicyQueue  = "queue"
)

// admission serializes submissions per user. In-process only: a single
// service instance owns the ingest path.
type admission struct {
	mu       sync.Mutex
	policy   string
	inflight map[string]chan struct{}
}

func newAdmission(policy string) *admission {
	if policy != PolicyQueue {
		policy = PolicyReject
	}

	return &admission{
		policy:   policy,
		inflight: make(map[string]chan struct{}),
	}
}

// acquire claims the submission slot for userID. Under the queue policy
// it blocks until the previous submission has dispatched all its
// packages; under the reject policy it fails fast. The returned release
// must be called once dispatch is complete.
func (a *admission) acquire(ctx context.Context, userID string) (func(), error) {
	for {
		a.mu.Lock()
		previous, busy := a.inflight[userID]
		if !busy {
			done := make(chan struct{})
			a.inflight[userID] = done
			a.mu.Unlock()

			release := func() {
				a.mu.Lock()
				delete(a.inflight, userID)
				a.mu.Unlock()
				close(done)
			}

			return release, nil
		}
		a.mu.Unlock()

		if a.policy == PolicyReject {
			return nil, ErrUploadInProgress
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-previous:
		}
	}
}
