package ipc

import (
	"encoding/json"

	"github.com/weftworks/weft/internal/werr"
)

type sessionParams struct {
	ID          string   `json:"id"`
	SessionID   string   `json:"sessionId"`
	Requirement string   `json:"requirement"`
	Docs        []string `json:"docs"`
	Feedback    string   `json:"feedback"`
	AutoStart   bool     `json:"autoStart"`
	TaskID      string   `json:"taskId"`
	Version     int      `json:"version"`
	Size        int      `json:"size"`
}

func (p *sessionParams) sessionID() (string, error) {
	id := p.ID
	if id == "" {
		id = p.SessionID
	}
	if id == "" {
		return "", werr.New(werr.CodeProtocolError, "missing session id")
	}
	return id, nil
}

func decode(raw json.RawMessage) (*sessionParams, error) {
	p := &sessionParams{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, werr.Wrap(werr.CodeProtocolError, err, "decoding params")
	}
	return p, nil
}

// methodTable is the complete request surface. Every session-manager
// operation is reachable, plus pool control and the state snapshot the
// UI renders from.
func (s *Server) methodTable() map[string]handler {
	withID := func(fn func(id string, p *sessionParams) (any, error)) handler {
		return func(raw json.RawMessage) (any, error) {
			p, err := decode(raw)
			if err != nil {
				return nil, err
			}
			id, err := p.sessionID()
			if err != nil {
				return nil, err
			}
			return fn(id, p)
		}
	}
	ack := func(err error) (any, error) {
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	}

	return map[string]handler{
		"session.create": func(raw json.RawMessage) (any, error) {
			p, err := decode(raw)
			if err != nil {
				return nil, err
			}
			if p.Requirement == "" {
				return nil, werr.New(werr.CodeProtocolError, "missing requirement")
			}
			return s.sessions.Create(p.Requirement, p.Docs)
		},
		"session.get": withID(func(id string, _ *sessionParams) (any, error) {
			return s.sessions.Get(id)
		}),
		"session.list": func(json.RawMessage) (any, error) {
			return s.sessions.Sessions(), nil
		},
		"session.plan": withID(func(id string, p *sessionParams) (any, error) {
			text, err := s.sessions.PlanText(id, p.Version)
			if err != nil {
				return nil, err
			}
			return map[string]any{"text": string(text)}, nil
		}),
		"session.revise": withID(func(id string, p *sessionParams) (any, error) {
			return ack(s.sessions.Revise(id, p.Feedback))
		}),
		"session.approve": withID(func(id string, p *sessionParams) (any, error) {
			return ack(s.sessions.Approve(id, p.AutoStart))
		}),
		"session.start": withID(func(id string, _ *sessionParams) (any, error) {
			return ack(s.sessions.Start(id))
		}),
		"session.cancel": withID(func(id string, _ *sessionParams) (any, error) {
			return ack(s.sessions.Cancel(id))
		}),
		"session.retryTask": withID(func(id string, p *sessionParams) (any, error) {
			if p.TaskID == "" {
				return nil, werr.New(werr.CodeProtocolError, "missing taskId")
			}
			return ack(s.sessions.RetryTask(id, p.TaskID))
		}),
		"session.reopen": withID(func(id string, _ *sessionParams) (any, error) {
			return ack(s.sessions.Reopen(id))
		}),

		"workflow.pause": withID(func(id string, _ *sessionParams) (any, error) {
			return ack(s.sessions.Pause(id))
		}),
		"workflow.resume": withID(func(id string, _ *sessionParams) (any, error) {
			return ack(s.sessions.Resume(id))
		}),
		"workflow.stop": withID(func(id string, _ *sessionParams) (any, error) {
			return ack(s.sessions.Stop(id))
		}),

		"pool.status": func(json.RawMessage) (any, error) {
			return s.pool.Status(), nil
		},
		"pool.resize": func(raw json.RawMessage) (any, error) {
			p, err := decode(raw)
			if err != nil {
				return nil, err
			}
			return ack(s.pool.Resize(p.Size))
		},

		"state.snapshot": func(json.RawMessage) (any, error) {
			snap := map[string]any{
				"sessions": s.sessions.Sessions(),
				"pool":     s.pool.Status(),
			}
			if s.sched != nil {
				snap["coordinator"] = string(s.sched.State())
			}
			return snap, nil
		},
	}
}
