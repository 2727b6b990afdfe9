package http

import (
	"encoding/json"
	"net/http"

	"circulation/internal/circ"
)

// errorEnvelope is the JSON shape every failed request gets back.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: code, Message: message})
}

// writeCircError maps the shared taxonomy onto HTTP statuses. Patron-state
// conflicts are 409s because the request was well-formed and the vendor is
// healthy; the patron's state just does not admit the operation.
func writeCircError(w http.ResponseWriter, err error) {
	kind := circ.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case circ.KindNotFound:
		status = http.StatusNotFound
	case circ.KindPatronAuth:
		status = http.StatusUnauthorized
	case circ.KindVendorAuth, circ.KindRemoteIntegration:
		status = http.StatusBadGateway
	case circ.KindNoLicenses, circ.KindLoanLimitReached, circ.KindHoldLimitReached:
		status = http.StatusForbidden
	case circ.KindNoAvailableCopies, circ.KindAlreadyCheckedOut, circ.KindAlreadyOnHold,
		circ.KindNotCheckedOut, circ.KindNotOnHold, circ.KindCannotFulfill:
		status = http.StatusConflict
	}
	writeError(w, status, string(kind), err.Error())
}
