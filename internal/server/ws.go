package server

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/yanun0323/logs"

	"grainmesh/internal/market"
)

const (
	opStart = "start"
	opStop  = "stop"

	requestTimeout = 10 * time.Second
)

// clientRequest is a command sent by a websocket client.
type clientRequest struct {
	ID      string `json:"id,omitempty"`
	Op      string `json:"op"`
	Symbol  string `json:"symbol,omitempty"`
	Type    string `json:"type,omitempty"`
	PairKey string `json:"pairKey,omitempty"`
}

type clientReply struct {
	ID      string `json:"id,omitempty"`
	Op      string `json:"op"`
	OK      bool   `json:"ok"`
	PairKey string `json:"pairKey,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logs.Warnf("websocket upgrade failed, remote: %s, err: %+v", c.ClientIP(), err)
		return
	}

	cl := newClient(conn, s.cfg.ClientBuffer)
	ctx := context.WithoutCancel(c.Request.Context())
	if !s.hub.join(ctx, cl) {
		_ = conn.Close()
		return
	}
	s.sessions.SubscribeAllStreams(ctx, cl.id)
	logs.Infof("websocket client connected, session: %s, remote: %s", cl.id, c.ClientIP())

	go cl.writePump()
	s.hub.deliver(cl.id, Message{Type: TypeWelcome, Data: map[string]string{"sessionId": cl.id.String()}})

	cl.readPump(s.handleClientMessage)

	s.sessions.UnsubscribeAllStreams(ctx, cl.id)
	s.hub.leave(cl)
	logs.Infof("websocket client disconnected, session: %s", cl.id)
}

func (s *Server) handleClientMessage(cl *client, data []byte) {
	var req clientRequest
	if err := sonic.Unmarshal(data, &req); err != nil {
		s.reply(cl, clientReply{Op: "invalid", Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rep := clientReply{ID: req.ID, Op: req.Op}
	switch req.Op {
	case opStart:
		t, err := market.ParsePairType(req.Type)
		if err != nil || req.Symbol == "" {
			rep.Error = "symbol and a valid type are required"
			break
		}
		rep.PairKey = market.PairKey(req.Symbol, t)
		rep.OK, err = s.commands.StartAnalysis(ctx, req.Symbol, t, cl.id)
		if err != nil {
			rep.Error = err.Error()
		}
	case opStop:
		if _, _, err := market.ParsePairKey(req.PairKey); err != nil {
			rep.Error = err.Error()
			break
		}
		rep.PairKey = req.PairKey
		var err error
		rep.OK, err = s.commands.StopAnalysis(ctx, req.PairKey, cl.id)
		if err != nil {
			rep.Error = err.Error()
		}
	default:
		rep.Error = "unknown op"
	}
	s.reply(cl, rep)
}

func (s *Server) reply(cl *client, rep clientReply) {
	s.hub.deliver(cl.id, Message{Type: TypeReply, Data: rep})
}
