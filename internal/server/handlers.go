package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"grainmesh/internal/command"
	"grainmesh/internal/market"
)

type startRequest struct {
	Symbol string          `json:"symbol" binding:"required"`
	Type   market.PairType `json:"type"`
}

func errorBody(err error) gin.H {
	return gin.H{"error": err.Error()}
}

func (s *Server) getHealth(c *gin.Context) {
	connected := s.deps.Feed != nil && s.deps.Feed.IsConnected()
	status := "ok"
	if !connected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"feedConnected": connected,
		"node":          s.deps.Runtime.NodeID(),
		"activations":   len(s.deps.Runtime.Activations()),
		"clients":       s.hub.Connected(),
		"sessions":      s.sessions.Sessions(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Metrics.Snapshot())
}

// getPairs accepts repeated or comma separated type values.
func (s *Server) getPairs(c *gin.Context) {
	var filter command.PairFilter
	for _, raw := range c.QueryArray("type") {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v == "" {
				continue
			}
			t, err := market.ParsePairType(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, errorBody(err))
				return
			}
			filter.Types = append(filter.Types, t)
		}
	}
	if v := c.Query("activeOnly"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}
		filter.ActiveOnly = active
	}
	filter.BaseAsset = c.Query("baseAsset")
	filter.QuoteAsset = c.Query("quoteAsset")

	pairs, err := s.commands.GetTradingPairs(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusBadGateway, errorBody(err))
		return
	}
	c.JSON(http.StatusOK, pairs)
}

func (s *Server) getRunningAnalysis(c *gin.Context) {
	running, err := s.commands.GetRunningAnalysis(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	c.JSON(http.StatusOK, running)
}

func (s *Server) startAnalysis(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}

	pairKey := market.PairKey(req.Symbol, req.Type)
	ok, err := s.commands.StartAnalysis(c.Request.Context(), req.Symbol, req.Type, uuid.Nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"pairKey": pairKey, "accepted": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pairKey": pairKey, "accepted": true})
}

func (s *Server) stopAnalysis(c *gin.Context) {
	pairKey := c.Param("pairKey")
	if _, _, err := market.ParsePairKey(pairKey); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}

	ok, err := s.commands.StopAnalysis(c.Request.Context(), pairKey, uuid.Nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"pairKey": pairKey, "accepted": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pairKey": pairKey, "accepted": true})
}

func (s *Server) getAnalysisDetails(c *gin.Context) {
	pairKey := c.Param("pairKey")
	if _, _, err := market.ParsePairKey(pairKey); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}

	to, err := queryTime(c, "to", time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	from, err := queryTime(c, "from", to.Add(-defaultLookback))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}

	details, err := s.commands.GetAnalysisDetails(c.Request.Context(), pairKey, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	c.JSON(http.StatusOK, details)
}

func queryTime(c *gin.Context, name string, def time.Time) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, v)
}
