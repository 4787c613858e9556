package api

import (
	"net/http"

	"github.com/tgrahn/anvil/internal/inventory"
)

// listHostsResponse is the JSON response for GET /v1/hosts. Credential
// references are stripped; clients only need addressing details.
type listHostsResponse struct {
	Hosts []inventory.ConnectionDescriptor `json:"hosts"`
	Total int                              `json:"total"`
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts := s.registry.Hosts()
	for i := range hosts {
		hosts[i].CredentialRef = ""
	}

	s.writeJSON(w, http.StatusOK, listHostsResponse{
		Hosts: hosts,
		Total: len(hosts),
	})
}
