package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const (
	// defaultEventPage is the number of events returned without a limit.
	defaultEventPage = 100

	// maxEventPage caps the limit query parameter.
	maxEventPage = 1000
)

// pathID parses the {id} path value, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid e3 id %q", r.PathValue("id")))
		return 0, false
	}

	return id, true
}

// eventRange parses from (default 1) and limit (default and max bounded).
func eventRange(q url.Values) (uint64, int, error) {
	from := uint64(1)
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid from %q", v)
		}
		from = n
	}

	limit := defaultEventPage
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
		limit = min(n, maxEventPage)
	}

	return from, limit, nil
}
