package api

import (
	"net/http"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/model"
)

// providerView is a provider profile as listed by GET /v1/providers.
type providerView struct {
	Key            string           `json:"key"`
	Name           string           `json:"name,omitempty"`
	BaseURL        string           `json:"base_url"`
	Match          string           `json:"match"`
	MaxContexts    int              `json:"max_contexts"`
	Steps          []string         `json:"steps"`
	HarvestMethod  string           `json:"harvest_method"`
	Detection      config.Detection `json:"detection"`
	FlightTimeoutS float64          `json:"flight_timeout_s"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	providers := s.providers.List()
	out := make([]providerView, len(providers))
	for i, p := range providers {
		out[i] = providerView{
			Key:            p.Key,
			Name:           p.Name,
			BaseURL:        p.BaseURL,
			Match:          p.Match,
			MaxContexts:    p.MaxContexts,
			Steps:          p.StepKinds(),
			HarvestMethod:  p.Harvest.Method.Method(),
			Detection:      p.Detection,
			FlightTimeoutS: p.Timing.FlightTimeout.Seconds(),
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	contexts := s.contexts.List()
	if provider := r.URL.Query().Get("provider"); provider != "" {
		filtered := make([]model.WorkerContext, 0, len(contexts))
		for _, c := range contexts {
			if c.ProviderKey == provider {
				filtered = append(filtered, c)
			}
		}
		contexts = filtered
	}
	if contexts == nil {
		contexts = []model.WorkerContext{}
	}
	s.writeJSON(w, http.StatusOK, contexts)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bridge.Sessions())
}
