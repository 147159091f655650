package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cim-project/cim/apierror"
	"github.com/cim-project/cim/storage"
)

// registerIAMRoutes wires the CRUD+list/watch REST surface for the seven
// IAM entity kinds spec.md §6 names: users, groups, roles, policies,
// role_bindings, policy_bindings, group_users. Every route is wrapped by
// s.authz so a caller's bound statements gate the request the same way
// C9's AuthzMiddleware gates any other resource (spec.md §4.9).
func (s *Server) registerIAMRoutes(r *mux.Router, handle func(string, http.Handler)) {
	for _, res := range iamResources {
		res := res
		base := "/" + res.path
		handle(base, s.authz.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				s.handleIAMList(w, r, res)
			case http.MethodPost:
				s.handleIAMCreate(w, r, res)
			default:
				apierror.WriteStatus(w, http.StatusMethodNotAllowed, &apierror.Error{Code: errInvalidRequest})
			}
		})))
		handle(base+"/{id}", s.authz.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				if res.get == nil {
					apierror.WriteStatus(w, http.StatusMethodNotAllowed, &apierror.Error{Code: errInvalidRequest})
					return
				}
				s.handleIAMGet(w, r, res)
			case http.MethodDelete:
				s.handleIAMDelete(w, r, res)
			default:
				apierror.WriteStatus(w, http.StatusMethodNotAllowed, &apierror.Error{Code: errInvalidRequest})
			}
		})))
	}
}

// iamResource describes one entity kind's storage bindings, letting a single
// set of HTTP handlers drive all seven kinds instead of repeating the same
// decode/list/watch boilerplate seven times.
type iamResource struct {
	path string
	kind string

	create func(s storage.Storage, raw json.RawMessage) (any, error)
	get    func(s storage.Storage, id string) (any, error)
	list   func(s storage.Storage, opts storage.ListOptions) (any, storage.Page, error)
	del    func(s storage.Storage, id string) error
}

var iamResources = []iamResource{
	{
		path: "users",
		kind: "user",
		create: func(st storage.Storage, raw json.RawMessage) (any, error) {
			var u storage.User
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, storage.Error{Code: storage.ErrCodeBadRequest, Details: "malformed user"}
			}
			u.ID = storage.NewID()
			u.CreatedAt, u.UpdatedAt = now(), now()
			if err := st.CreateUser(u); err != nil {
				return nil, err
			}
			return u, nil
		},
		get: func(st storage.Storage, id string) (any, error) { return st.GetUser(id) },
		list: func(st storage.Storage, opts storage.ListOptions) (any, storage.Page, error) {
			return st.ListUsers(opts)
		},
		del: func(st storage.Storage, id string) error { return st.DeleteUser(id) },
	},
	{
		path: "groups",
		kind: "group",
		create: func(st storage.Storage, raw json.RawMessage) (any, error) {
			var g storage.Group
			if err := json.Unmarshal(raw, &g); err != nil {
				return nil, storage.Error{Code: storage.ErrCodeBadRequest, Details: "malformed group"}
			}
			g.ID = storage.NewID()
			g.CreatedAt, g.UpdatedAt = now(), now()
			if err := st.CreateGroup(g); err != nil {
				return nil, err
			}
			return g, nil
		},
		get: func(st storage.Storage, id string) (any, error) { return st.GetGroup(id) },
		list: func(st storage.Storage, opts storage.ListOptions) (any, storage.Page, error) {
			return st.ListGroups(opts)
		},
		del: func(st storage.Storage, id string) error { return st.DeleteGroup(id) },
	},
	{
		path: "roles",
		kind: "role",
		create: func(st storage.Storage, raw json.RawMessage) (any, error) {
			var rl storage.Role
			if err := json.Unmarshal(raw, &rl); err != nil {
				return nil, storage.Error{Code: storage.ErrCodeBadRequest, Details: "malformed role"}
			}
			rl.ID = storage.NewID()
			rl.CreatedAt, rl.UpdatedAt = now(), now()
			if err := st.CreateRole(rl); err != nil {
				return nil, err
			}
			return rl, nil
		},
		get: func(st storage.Storage, id string) (any, error) { return st.GetRole(id) },
		list: func(st storage.Storage, opts storage.ListOptions) (any, storage.Page, error) {
			return st.ListRoles(opts)
		},
		del: func(st storage.Storage, id string) error { return st.DeleteRole(id) },
	},
	{
		path: "policies",
		kind: "policy",
		create: func(st storage.Storage, raw json.RawMessage) (any, error) {
			var p storage.Policy
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, storage.Error{Code: storage.ErrCodeBadRequest, Details: "malformed policy"}
			}
			if err := p.Validate(); err != nil {
				return nil, err
			}
			p.ID = storage.NewID()
			p.Version = 1
			p.CreatedAt, p.UpdatedAt = now(), now()
			if err := st.CreatePolicy(p); err != nil {
				return nil, err
			}
			return p, nil
		},
		get: func(st storage.Storage, id string) (any, error) { return st.GetPolicy(id) },
		list: func(st storage.Storage, opts storage.ListOptions) (any, storage.Page, error) {
			return st.ListPolicies(opts)
		},
		del: func(st storage.Storage, id string) error { return st.DeletePolicy(id) },
	},
	{
		path: "role_bindings",
		kind: "roleBinding",
		create: func(st storage.Storage, raw json.RawMessage) (any, error) {
			var rb storage.RoleBinding
			if err := json.Unmarshal(raw, &rb); err != nil {
				return nil, storage.Error{Code: storage.ErrCodeBadRequest, Details: "malformed role binding"}
			}
			rb.ID = storage.NewID()
			rb.CreatedAt = now()
			if err := st.CreateRoleBinding(rb); err != nil {
				return nil, err
			}
			return rb, nil
		},
		get:  nil,
		list: func(st storage.Storage, opts storage.ListOptions) (any, storage.Page, error) {
			return st.ListRoleBindings(opts)
		},
		del: func(st storage.Storage, id string) error { return st.DeleteRoleBinding(id) },
	},
	{
		path: "policy_bindings",
		kind: "policyBinding",
		create: func(st storage.Storage, raw json.RawMessage) (any, error) {
			var pb storage.PolicyBinding
			if err := json.Unmarshal(raw, &pb); err != nil {
				return nil, storage.Error{Code: storage.ErrCodeBadRequest, Details: "malformed policy binding"}
			}
			pb.ID = storage.NewID()
			pb.CreatedAt = now()
			if err := st.CreatePolicyBinding(pb); err != nil {
				return nil, err
			}
			return pb, nil
		},
		get:  nil,
		list: func(st storage.Storage, opts storage.ListOptions) (any, storage.Page, error) {
			return st.ListPolicyBindings(opts)
		},
		del: func(st storage.Storage, id string) error { return st.DeletePolicyBinding(id) },
	},
	{
		path: "group_users",
		kind: "groupUser",
		create: func(st storage.Storage, raw json.RawMessage) (any, error) {
			var gu storage.GroupUser
			if err := json.Unmarshal(raw, &gu); err != nil {
				return nil, storage.Error{Code: storage.ErrCodeBadRequest, Details: "malformed group user"}
			}
			gu.ID = storage.NewID()
			gu.CreatedAt = now()
			if err := st.CreateGroupUser(gu); err != nil {
				return nil, err
			}
			return gu, nil
		},
		get:  nil,
		list: func(st storage.Storage, opts storage.ListOptions) (any, storage.Page, error) {
			return st.ListGroupUsers(opts)
		},
		del: func(st storage.Storage, id string) error { return st.DeleteGroupUser(id) },
	},
}

// now lets iamResource's per-kind closures stamp timestamps without each one
// threading a clock through; the server's own operations (tokens, rotation)
// use s.now, but these are simple record-keeping fields, not security
// sensitive expiries, so time.Now is precise enough here.
func now() time.Time { return time.Now() }

func (s *Server) handleIAMCreate(w http.ResponseWriter, r *http.Request, res iamResource) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		apierror.Write(w, storage.Error{Code: storage.ErrCodeBadRequest, Details: "malformed request body"})
		return
	}

	obj, err := res.create(s.storage, raw)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		s.logger.Errorf("failed to encode %s: %v", res.kind, err)
	}
}

func (s *Server) handleIAMGet(w http.ResponseWriter, r *http.Request, res iamResource) {
	id := mux.Vars(r)["id"]
	obj, err := res.get(s.storage, id)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		s.logger.Errorf("failed to encode %s: %v", res.kind, err)
	}
}

func (s *Server) handleIAMDelete(w http.ResponseWriter, r *http.Request, res iamResource) {
	id := mux.Vars(r)["id"]
	if err := res.del(s.storage, id); err != nil {
		apierror.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIAMList serves a filtered, paginated page by default. A client
// sending `Accept: text/event-stream` instead gets a live SSE stream of
// Events from the matching storage.Watch hub, starting from the
// `since_modify` query parameter (spec.md §6: "List supports SSE ... for
// live watch").
func (s *Server) handleIAMList(w http.ResponseWriter, r *http.Request, res iamResource) {
	if r.Header.Get("Accept") == "text/event-stream" {
		s.handleIAMWatch(w, r, res)
		return
	}

	q := r.URL.Query()
	opts := storage.ListOptions{AccountID: q.Get("account_id")}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}

	items, page, err := res.list(s.storage, opts)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Items any          `json:"items"`
		Page  storage.Page `json:"page"`
	}{items, page}); err != nil {
		s.logger.Errorf("failed to encode %s list: %v", res.kind, err)
	}
}

// handleIAMWatch implements the SSE half of live watch. WebSocket upgrade is
// not implemented: the teacher's stack carries no websocket dependency and
// nothing else in this repo needs one, so SSE is the sole live-watch
// transport here (see DESIGN.md).
func (s *Server) handleIAMWatch(w http.ResponseWriter, r *http.Request, res iamResource) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierror.Write(w, storage.Error{Code: storage.ErrCodeBadRequest, Details: "streaming not supported"})
		return
	}

	var sinceModify uint64
	if v := r.URL.Query().Get("since_modify"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			sinceModify = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan storage.Event, 64)
	guard, err := s.storage.Watch(res.kind, sinceModify, func(ev storage.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		s.logger.Errorf("failed to watch %s: %v", res.kind, err)
		return
	}
	defer guard.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Errorf("failed to marshal %s event: %v", res.kind, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Op, data)
			flusher.Flush()
		}
	}
}
