package api

import (
	"net/http"
	"strconv"
	"time"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.mgr.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.mgr.Stats())
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	fw := s.mgr.Firewall()
	if fw == nil {
		s.writeError(w, http.StatusNotFound, "firewall disabled")
		return
	}
	s.writeJSON(w, fw.Rules())
}

func (s *Server) handleSignatures(w http.ResponseWriter, r *http.Request) {
	engine := s.mgr.IDS()
	if engine == nil {
		s.writeError(w, http.StatusNotFound, "intrusion detection disabled")
		return
	}
	s.writeJSON(w, engine.Signatures())
}

func (s *Server) handleIntrusions(w http.ResponseWriter, r *http.Request) {
	engine := s.mgr.IDS()
	if engine == nil {
		s.writeError(w, http.StatusNotFound, "intrusion detection disabled")
		return
	}
	s.writeJSON(w, engine.Events(queryLimit(r, 100)))
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	vpnMgr := s.mgr.VPN()
	if vpnMgr == nil {
		s.writeError(w, http.StatusNotFound, "vpn disabled")
		return
	}
	s.writeJSON(w, vpnMgr.Tunnels())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)

	q := r.URL.Query()
	source := q.Get("source")
	kind := q.Get("kind")
	if source == "" && kind == "" && q.Get("start") == "" && q.Get("end") == "" {
		violations, err := s.mgr.Audit().Recent(limit)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, violations)
		return
	}

	start, end := time.Time{}, time.Time{}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad start time")
			return
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad end time")
			return
		}
		end = t
	}

	violations, err := s.mgr.Audit().Query(start, end, source, kind, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, violations)
}

func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	report, ok := s.mgr.AttestationReport()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no attestation report sealed")
		return
	}
	s.writeJSON(w, report)
}

func queryLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
