package nursefi

import (
	"context"
	"net/http"
	"sync"
)

type stateKey struct{}

// State is the pending response of one request. Admission steps and handlers fill
// it through SetError, SetResponse and SetHeader; Handler writes it exactly once.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	headers http.Header
	slo     *sloConfig
}

// HasState reports whether ctx belongs to a request served through Handler.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey{}).(*State)
	return state
}
