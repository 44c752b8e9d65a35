package httpapi

import (
	"net/http"
	"sort"

	"github.com/conductorlabs/conductor/internal/health"
	"github.com/conductorlabs/conductor/internal/models"
)

type backendView struct {
	models.Backend
	LastProbe *health.ProbeResult `json:"last_probe,omitempty"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	backends := s.registry.List()
	sort.Slice(backends, func(i, j int) bool { return backends[i].Class < backends[j].Class })

	probes := s.prober.Last()
	out := make([]backendView, 0, len(backends))
	for _, b := range backends {
		v := backendView{Backend: b}
		if res, ok := probes[b.Class]; ok {
			probe := res
			v.LastProbe = &probe
		}
		out = append(out, v)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"backends": out})
}

func (s *Server) handleWakeBackend(w http.ResponseWriter, r *http.Request) {
	class := r.PathValue("class")
	if err := s.lifecycle.WakeNow(r.Context(), class); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"class":       class,
		"power_state": s.registry.PowerState(class),
	})
}

func (s *Server) handleSleepBackend(w http.ResponseWriter, r *http.Request) {
	class := r.PathValue("class")
	if err := s.lifecycle.SleepNow(r.Context(), class); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"class":       class,
		"power_state": s.registry.PowerState(class),
	})
}
