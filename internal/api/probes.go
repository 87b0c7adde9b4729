package api

import "net/http"

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz implements GET /readyz: unlike healthz, it confirms the store
// connection is actually reachable rather than just that the process is up.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Engine.Store.GetChange(r.Context(), "__readyz_probe__"); err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"status": "ready"}
	if s.Engine.Breakers != nil {
		breakers := map[string]string{}
		for name, stat := range s.Engine.Breakers.Stats() {
			breakers[name] = stat.State.String()
		}
		resp["providers"] = breakers
	}
	writeJSON(w, http.StatusOK, resp)
}
