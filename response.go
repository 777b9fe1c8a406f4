package nursefi

import "net/http"

// Handlers record their outcome on the request and Handler writes it once the
// route returns. Each setter is a no-op on requests that did not pass through
// Handler; HasState reports which case applies.

func updateState(r *http.Request, fn func(*State)) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	fn(state)
}

// SetError records err as the response. An error always wins over a body set with
// SetResponse, whichever came first.
func SetError(r *http.Request, err *APIError) {
	updateState(r, func(s *State) {
		s.err = err
	})
}

// SetResponse records status and a JSON body. A nil body writes only the status,
// as for 204 on a deleted transaction.
func SetResponse(r *http.Request, status int, body any) {
	updateState(r, func(s *State) {
		s.status = status
		s.body = body
	})
}

// SetHeader replaces a header on the eventual response, such as RateLimit-Remaining.
func SetHeader(r *http.Request, key, value string) {
	updateState(r, func(s *State) {
		s.header().Set(key, value)
	})
}

// AddHeader appends a header value on the eventual response.
func AddHeader(r *http.Request, key, value string) {
	updateState(r, func(s *State) {
		s.header().Add(key, value)
	})
}

// header lazily allocates the pending headers. Callers hold s.mu.
func (s *State) header() http.Header {
	if s.headers == nil {
		s.headers = make(http.Header)
	}
	return s.headers
}

// writeError goes through the response state under Handler and falls back to a
// plain-text http.Error for bare middleware use.
func writeError(w http.ResponseWriter, r *http.Request, err *APIError) {
	if HasState(r.Context()) {
		SetError(r, err)
		return
	}
	http.Error(w, err.Message, err.Status)
}
