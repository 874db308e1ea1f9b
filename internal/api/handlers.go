package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/auth"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/autopilot"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/protection"
)

// handleHealth reports liveness; a stopped loop is unhealthy
func (s *Server) handleHealth(c *gin.Context) {
	st := s.guard.Status()
	code := http.StatusOK
	status := "healthy"
	if autopilot.IsTerminal(st.State) {
		code = http.StatusServiceUnavailable
		status = "stopped"
	}
	c.JSON(code, gin.H{
		"status":     status,
		"state":      st.State,
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"ws_clients": s.hub.GetClientCount(),
	})
}

// handleStatus returns the scheduler state and last cycle summary
func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.guard.Status())
}

// handleProtection returns the latest per-symbol protection status, sorted
// by symbol; ?status=UNPROTECTED filters
func (s *Server) handleProtection(c *gin.Context) {
	results := s.guard.ProtectionResults()
	filter := protection.Status(c.Query("status"))

	rows := make([]protection.Result, 0, len(results))
	unprotected := 0
	for sym, r := range results {
		if r.Status == protection.Unprotected {
			unprotected++
		}
		if filter != "" && r.Status != filter {
			continue
		}
		if r.Symbol == "" {
			r.Symbol = sym
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })

	successResponse(c, gin.H{
		"positions":   rows,
		"total":       len(results),
		"unprotected": unprotected,
	})
}

// handleCircuit returns breaker statistics
func (s *Server) handleCircuit(c *gin.Context) {
	successResponse(c, s.circuit.GetStats())
}

// handleFlags returns the one-time action flags currently held
func (s *Server) handleFlags(c *gin.Context) {
	flags := s.guard.Flags()
	successResponse(c, gin.H{
		"flags": flags,
		"count": len(flags),
	})
}

// handleShutdown asks the loop to stop gracefully. Resting orders stay.
func (s *Server) handleShutdown(c *gin.Context) {
	st := s.guard.Status()
	if autopilot.IsTerminal(st.State) {
		errorResponse(c, http.StatusConflict, "control loop already stopped")
		return
	}

	s.logger.Warn().Str("operator", auth.GetUsername(c)).Str("state", string(st.State)).Msg("Shutdown requested over API")
	s.guard.Stop()
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "shutdown requested",
	})
}
