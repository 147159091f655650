// Package memory is a Storage implementation backed entirely by maps held in
// process memory (spec.md §4.4 / C4: "a reference driver"). It exists for
// tests and single-process deployments; it does not survive a restart.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/cim-project/cim/pkg/log"
	"github.com/cim-project/cim/storage"
	"github.com/cim-project/cim/storage/watch"
)

const defaultHubCapacity = 256

// offlineSessionID is the composite key offline sessions are stored under.
type offlineSessionID struct {
	userID string
	connID string
}

// memStorage is a naive, in-memory implementation of storage.Storage.
type memStorage struct {
	mu sync.Mutex

	clients         map[string]storage.Client
	authCodes       map[string]storage.AuthCode
	refreshTokens   map[string]storage.RefreshToken
	authRequests    map[string]storage.AuthRequest
	offlineSessions map[offlineSessionID]storage.OfflineSessions
	connectors      map[string]storage.Connector

	users          map[string]storage.User
	groups         map[string]storage.Group
	roles          map[string]storage.Role
	policies       map[string]storage.Policy
	roleBindings   map[string]storage.RoleBinding
	policyBindings map[string]storage.PolicyBinding
	groupUsers     map[string]storage.GroupUser

	keys storage.Keys

	clientHub        *watch.Hub[storage.Client]
	connectorHub     *watch.Hub[storage.Connector]
	userHub          *watch.Hub[storage.User]
	groupHub         *watch.Hub[storage.Group]
	roleHub          *watch.Hub[storage.Role]
	policyHub        *watch.Hub[storage.Policy]
	roleBindingHub   *watch.Hub[storage.RoleBinding]
	policyBindingHub *watch.Hub[storage.PolicyBinding]
	groupUserHub     *watch.Hub[storage.GroupUser]

	logger log.Logger
}

// New returns an in-memory storage.Storage. Equivalent to calling Config{}.Open.
func New(logger log.Logger) storage.Storage {
	return &memStorage{
		clients:         make(map[string]storage.Client),
		authCodes:       make(map[string]storage.AuthCode),
		refreshTokens:   make(map[string]storage.RefreshToken),
		authRequests:    make(map[string]storage.AuthRequest),
		offlineSessions: make(map[offlineSessionID]storage.OfflineSessions),
		connectors:      make(map[string]storage.Connector),

		users:          make(map[string]storage.User),
		groups:         make(map[string]storage.Group),
		roles:          make(map[string]storage.Role),
		policies:       make(map[string]storage.Policy),
		roleBindings:   make(map[string]storage.RoleBinding),
		policyBindings: make(map[string]storage.PolicyBinding),
		groupUsers:     make(map[string]storage.GroupUser),

		clientHub:        watch.NewHub[storage.Client](defaultHubCapacity),
		connectorHub:     watch.NewHub[storage.Connector](defaultHubCapacity),
		userHub:          watch.NewHub[storage.User](defaultHubCapacity),
		groupHub:         watch.NewHub[storage.Group](defaultHubCapacity),
		roleHub:          watch.NewHub[storage.Role](defaultHubCapacity),
		policyHub:        watch.NewHub[storage.Policy](defaultHubCapacity),
		roleBindingHub:   watch.NewHub[storage.RoleBinding](defaultHubCapacity),
		policyBindingHub: watch.NewHub[storage.PolicyBinding](defaultHubCapacity),
		groupUserHub:     watch.NewHub[storage.GroupUser](defaultHubCapacity),

		logger: logger,
	}
}

// Config is the in-memory storage's (empty) configuration, present so it
// satisfies the same "Config.Open" shape as the sql driver.
type Config struct{}

// Open returns an in-memory storage.Storage.
func (c *Config) Open(logger log.Logger) (storage.Storage, error) {
	return New(logger), nil
}

func (s *memStorage) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *memStorage) Close() error { return nil }

// --- Create ---

func (s *memStorage) CreateAuthRequest(a storage.AuthRequest) error {
	s.tx(func() { s.authRequests[a.ID] = a })
	return nil
}

func (s *memStorage) CreateClient(c storage.Client) error {
	var err error
	s.tx(func() {
		if _, ok := s.clients[c.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.clients[c.ID] = c
	})
	if err == nil {
		s.clientHub.Notify(watch.Add, c.ID, c)
	}
	return err
}

func (s *memStorage) CreateAuthCode(c storage.AuthCode) error {
	s.tx(func() { s.authCodes[c.ID] = c })
	return nil
}

func (s *memStorage) CreateRefresh(r storage.RefreshToken) error {
	s.tx(func() { s.refreshTokens[r.ID] = r })
	return nil
}

func (s *memStorage) CreateOfflineSessions(o storage.OfflineSessions) error {
	key := offlineSessionID{userID: o.UserID, connID: o.ConnID}
	var err error
	s.tx(func() {
		if _, ok := s.offlineSessions[key]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.offlineSessions[key] = o
	})
	return err
}

func (s *memStorage) CreateConnector(c storage.Connector) error {
	var err error
	s.tx(func() {
		if _, ok := s.connectors[c.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.connectors[c.ID] = c
	})
	if err == nil {
		s.connectorHub.Notify(watch.Add, c.ID, c)
	}
	return err
}

func (s *memStorage) CreateUser(u storage.User) error {
	var err error
	s.tx(func() {
		if _, ok := s.users[u.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.users[u.ID] = u
	})
	if err == nil {
		s.userHub.Notify(watch.Add, u.ID, u)
	}
	return err
}

func (s *memStorage) CreateGroup(g storage.Group) error {
	var err error
	s.tx(func() {
		if _, ok := s.groups[g.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.groups[g.ID] = g
	})
	if err == nil {
		s.groupHub.Notify(watch.Add, g.ID, g)
	}
	return err
}

func (s *memStorage) CreateRole(r storage.Role) error {
	var err error
	s.tx(func() {
		if _, ok := s.roles[r.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.roles[r.ID] = r
	})
	if err == nil {
		s.roleHub.Notify(watch.Add, r.ID, r)
	}
	return err
}

func (s *memStorage) CreatePolicy(p storage.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var err error
	s.tx(func() {
		if _, ok := s.policies[p.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.policies[p.ID] = p
	})
	if err == nil {
		s.policyHub.Notify(watch.Add, p.ID, p)
	}
	return err
}

func (s *memStorage) CreateRoleBinding(rb storage.RoleBinding) error {
	var err error
	s.tx(func() {
		if _, ok := s.roleBindings[rb.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.roleBindings[rb.ID] = rb
	})
	if err == nil {
		s.roleBindingHub.Notify(watch.Add, rb.ID, rb)
	}
	return err
}

func (s *memStorage) CreatePolicyBinding(pb storage.PolicyBinding) error {
	var err error
	s.tx(func() {
		if _, ok := s.policyBindings[pb.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.policyBindings[pb.ID] = pb
	})
	if err == nil {
		s.policyBindingHub.Notify(watch.Add, pb.ID, pb)
	}
	return err
}

func (s *memStorage) CreateGroupUser(gu storage.GroupUser) error {
	var err error
	s.tx(func() {
		if _, ok := s.groupUsers[gu.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.groupUsers[gu.ID] = gu
	})
	if err == nil {
		s.groupUserHub.Notify(watch.Add, gu.ID, gu)
	}
	return err
}

// --- Get ---

func (s *memStorage) GetAuthRequest(id string) (a storage.AuthRequest, err error) {
	s.tx(func() {
		var ok bool
		a, ok = s.authRequests[id]
		if !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetAuthCode(id string) (c storage.AuthCode, err error) {
	s.tx(func() {
		var ok bool
		c, ok = s.authCodes[id]
		if !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetClient(id string) (c storage.Client, err error) {
	s.tx(func() {
		var ok bool
		c, ok = s.clients[id]
		if !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetKeys() (keys storage.Keys, err error) {
	s.tx(func() { keys = s.keys })
	return
}

func (s *memStorage) GetRefresh(id string) (r storage.RefreshToken, err error) {
	s.tx(func() {
		var ok bool
		r, ok = s.refreshTokens[id]
		if !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetOfflineSessions(userID, connID string) (o storage.OfflineSessions, err error) {
	s.tx(func() {
		var ok bool
		o, ok = s.offlineSessions[offlineSessionID{userID: userID, connID: connID}]
		if !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetConnector(id string) (c storage.Connector, err error) {
	s.tx(func() {
		var ok bool
		c, ok = s.connectors[id]
		if !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetUser(id string) (u storage.User, err error) {
	s.tx(func() {
		v, ok := s.users[id]
		if !ok || v.Deleted {
			err = storage.ErrNotFound
			return
		}
		u = v
	})
	return
}

func (s *memStorage) GetGroup(id string) (g storage.Group, err error) {
	s.tx(func() {
		v, ok := s.groups[id]
		if !ok || v.Deleted {
			err = storage.ErrNotFound
			return
		}
		g = v
	})
	return
}

func (s *memStorage) GetRole(id string) (r storage.Role, err error) {
	s.tx(func() {
		v, ok := s.roles[id]
		if !ok || v.Deleted {
			err = storage.ErrNotFound
			return
		}
		r = v
	})
	return
}

func (s *memStorage) GetPolicy(id string) (p storage.Policy, err error) {
	s.tx(func() {
		v, ok := s.policies[id]
		if !ok || v.Deleted {
			err = storage.ErrNotFound
			return
		}
		p = v
	})
	return
}

// --- List ---

func (s *memStorage) ListClients() (clients []storage.Client, err error) {
	s.tx(func() {
		for _, c := range s.clients {
			clients = append(clients, c)
		}
	})
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return
}

func (s *memStorage) ListRefreshTokens() (tokens []storage.RefreshToken, err error) {
	s.tx(func() {
		for _, r := range s.refreshTokens {
			tokens = append(tokens, r)
		}
	})
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })
	return
}

func (s *memStorage) ListConnectors() (conns []storage.Connector, err error) {
	s.tx(func() {
		for _, c := range s.connectors {
			conns = append(conns, c)
		}
	})
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return
}

func (s *memStorage) ListUsers(opts storage.ListOptions) ([]storage.User, storage.Page, error) {
	var all []storage.User
	s.tx(func() {
		for _, u := range s.users {
			if u.Deleted {
				continue
			}
			if opts.AccountID != "" && u.AccountID != opts.AccountID {
				continue
			}
			all = append(all, u)
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page, out := paginate(all, opts)
	return out, page, nil
}

func (s *memStorage) ListGroups(opts storage.ListOptions) ([]storage.Group, storage.Page, error) {
	var all []storage.Group
	s.tx(func() {
		for _, g := range s.groups {
			if g.Deleted {
				continue
			}
			if opts.AccountID != "" && g.AccountID != opts.AccountID {
				continue
			}
			all = append(all, g)
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page, out := paginate(all, opts)
	return out, page, nil
}

func (s *memStorage) ListRoles(opts storage.ListOptions) ([]storage.Role, storage.Page, error) {
	var all []storage.Role
	s.tx(func() {
		for _, r := range s.roles {
			if r.Deleted {
				continue
			}
			if opts.AccountID != "" && r.AccountID != opts.AccountID {
				continue
			}
			all = append(all, r)
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page, out := paginate(all, opts)
	return out, page, nil
}

func (s *memStorage) ListPolicies(opts storage.ListOptions) ([]storage.Policy, storage.Page, error) {
	var all []storage.Policy
	s.tx(func() {
		for _, p := range s.policies {
			if p.Deleted {
				continue
			}
			if opts.AccountID != "" && p.AccountID != opts.AccountID {
				continue
			}
			all = append(all, p)
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page, out := paginate(all, opts)
	return out, page, nil
}

func (s *memStorage) ListRoleBindings(opts storage.ListOptions) ([]storage.RoleBinding, storage.Page, error) {
	var all []storage.RoleBinding
	s.tx(func() {
		for _, rb := range s.roleBindings {
			if rb.Deleted {
				continue
			}
			if opts.AccountID != "" && rb.AccountID != opts.AccountID {
				continue
			}
			all = append(all, rb)
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page, out := paginate(all, opts)
	return out, page, nil
}

func (s *memStorage) ListPolicyBindings(opts storage.ListOptions) ([]storage.PolicyBinding, storage.Page, error) {
	var all []storage.PolicyBinding
	s.tx(func() {
		for _, pb := range s.policyBindings {
			if pb.Deleted {
				continue
			}
			if opts.AccountID != "" && pb.AccountID != opts.AccountID {
				continue
			}
			all = append(all, pb)
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page, out := paginate(all, opts)
	return out, page, nil
}

func (s *memStorage) ListGroupUsers(opts storage.ListOptions) ([]storage.GroupUser, storage.Page, error) {
	var all []storage.GroupUser
	s.tx(func() {
		for _, gu := range s.groupUsers {
			if gu.Deleted {
				continue
			}
			if opts.AccountID != "" && gu.AccountID != opts.AccountID {
				continue
			}
			all = append(all, gu)
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page, out := paginate(all, opts)
	return out, page, nil
}

// paginate applies opts.Offset/opts.Limit to an already-sorted slice,
// returning the page metadata alongside the windowed slice. A zero Limit
// means "no limit" (spec.md §4.4 "filtered page").
func paginate[T any](all []T, opts storage.ListOptions) (storage.Page, []T) {
	total := len(all)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if opts.Limit > 0 && offset+opts.Limit < end {
		end = offset + opts.Limit
	}
	return storage.Page{Offset: offset, Limit: opts.Limit, Total: total}, all[offset:end]
}

// StatementsFor returns the union of statements reachable from every policy
// bound (directly, or via a role bound) to subjectID (spec.md §4.9 / C9).
func (s *memStorage) StatementsFor(subjectID string) ([]storage.Statement, error) {
	var statements []storage.Statement
	s.tx(func() {
		policyIDs := make(map[string]struct{})

		for _, pb := range s.policyBindings {
			if pb.Deleted || pb.SubjectID != subjectID {
				continue
			}
			policyIDs[pb.PolicyID] = struct{}{}
		}
		for _, rb := range s.roleBindings {
			if rb.Deleted || rb.SubjectID != subjectID {
				continue
			}
			role, ok := s.roles[rb.RoleID]
			if !ok || role.Deleted {
				continue
			}
			for _, pid := range role.PolicyIDs {
				policyIDs[pid] = struct{}{}
			}
		}

		ids := make([]string, 0, len(policyIDs))
		for id := range policyIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			p, ok := s.policies[id]
			if !ok || p.Deleted {
				continue
			}
			statements = append(statements, p.Statements...)
		}
	})
	return statements, nil
}

// Count returns the number of entities of the given kind matching opts.
// unscoped includes soft-deleted rows in the count.
func (s *memStorage) Count(kind string, opts storage.ListOptions, unscoped bool) (count int, err error) {
	s.tx(func() {
		switch kind {
		case "user":
			for _, u := range s.users {
				if !unscoped && u.Deleted {
					continue
				}
				if opts.AccountID != "" && u.AccountID != opts.AccountID {
					continue
				}
				count++
			}
		case "group":
			for _, g := range s.groups {
				if !unscoped && g.Deleted {
					continue
				}
				if opts.AccountID != "" && g.AccountID != opts.AccountID {
					continue
				}
				count++
			}
		case "role":
			for _, r := range s.roles {
				if !unscoped && r.Deleted {
					continue
				}
				if opts.AccountID != "" && r.AccountID != opts.AccountID {
					continue
				}
				count++
			}
		case "policy":
			for _, p := range s.policies {
				if !unscoped && p.Deleted {
					continue
				}
				if opts.AccountID != "" && p.AccountID != opts.AccountID {
					continue
				}
				count++
			}
		case "roleBinding":
			for _, rb := range s.roleBindings {
				if !unscoped && rb.Deleted {
					continue
				}
				if opts.AccountID != "" && rb.AccountID != opts.AccountID {
					continue
				}
				count++
			}
		case "policyBinding":
			for _, pb := range s.policyBindings {
				if !unscoped && pb.Deleted {
					continue
				}
				if opts.AccountID != "" && pb.AccountID != opts.AccountID {
					continue
				}
				count++
			}
		case "groupUser":
			for _, gu := range s.groupUsers {
				if !unscoped && gu.Deleted {
					continue
				}
				if opts.AccountID != "" && gu.AccountID != opts.AccountID {
					continue
				}
				count++
			}
		default:
			err = storage.Error{Code: storage.ErrCodeBadRequest, Details: "unknown count kind " + kind}
		}
	})
	return
}

// --- Delete ---

func (s *memStorage) DeleteAuthRequest(id string) error {
	var err error
	s.tx(func() {
		if _, ok := s.authRequests[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.authRequests, id)
	})
	return err
}

func (s *memStorage) DeleteAuthCode(code string) error {
	var err error
	s.tx(func() {
		if _, ok := s.authCodes[code]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.authCodes, code)
	})
	return err
}

func (s *memStorage) DeleteClient(id string) error {
	var err error
	s.tx(func() {
		if _, ok := s.clients[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.clients, id)
	})
	if err == nil {
		s.clientHub.Notify(watch.Delete, id, storage.Client{ID: id})
	}
	return err
}

func (s *memStorage) DeleteRefresh(id string) error {
	var err error
	s.tx(func() {
		if _, ok := s.refreshTokens[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.refreshTokens, id)
	})
	return err
}

func (s *memStorage) DeleteOfflineSessions(userID, connID string) error {
	key := offlineSessionID{userID: userID, connID: connID}
	var err error
	s.tx(func() {
		if _, ok := s.offlineSessions[key]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.offlineSessions, key)
	})
	return err
}

func (s *memStorage) DeleteConnector(id string) error {
	var err error
	s.tx(func() {
		if _, ok := s.connectors[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.connectors, id)
	})
	if err == nil {
		s.connectorHub.Notify(watch.Delete, id, storage.Connector{ID: id})
	}
	return err
}

// The next handful of Delete methods set the common Deleted/DeletedAt fields
// rather than removing the row, implementing the soft-delete invariant of
// spec.md §4.4.

func (s *memStorage) DeleteUser(id string) error {
	var err error
	var out storage.User
	s.tx(func() {
		u, ok := s.users[id]
		if !ok || u.Deleted {
			err = storage.ErrNotFound
			return
		}
		u.Deleted = true
		u.DeletedAt = time.Now()
		s.users[id] = u
		out = u
	})
	if err == nil {
		s.userHub.Notify(watch.Delete, id, out)
	}
	return err
}

func (s *memStorage) DeleteGroup(id string) error {
	var err error
	var out storage.Group
	s.tx(func() {
		g, ok := s.groups[id]
		if !ok || g.Deleted {
			err = storage.ErrNotFound
			return
		}
		g.Deleted = true
		g.DeletedAt = time.Now()
		s.groups[id] = g
		out = g
	})
	if err == nil {
		s.groupHub.Notify(watch.Delete, id, out)
	}
	return err
}

func (s *memStorage) DeleteRole(id string) error {
	var err error
	var out storage.Role
	s.tx(func() {
		r, ok := s.roles[id]
		if !ok || r.Deleted {
			err = storage.ErrNotFound
			return
		}
		r.Deleted = true
		r.DeletedAt = time.Now()
		s.roles[id] = r
		out = r
	})
	if err == nil {
		s.roleHub.Notify(watch.Delete, id, out)
	}
	return err
}

func (s *memStorage) DeletePolicy(id string) error {
	var err error
	var out storage.Policy
	s.tx(func() {
		p, ok := s.policies[id]
		if !ok || p.Deleted {
			err = storage.ErrNotFound
			return
		}
		p.Deleted = true
		p.DeletedAt = time.Now()
		s.policies[id] = p
		out = p
	})
	if err == nil {
		s.policyHub.Notify(watch.Delete, id, out)
	}
	return err
}

func (s *memStorage) DeleteRoleBinding(id string) error {
	var err error
	var out storage.RoleBinding
	s.tx(func() {
		rb, ok := s.roleBindings[id]
		if !ok || rb.Deleted {
			err = storage.ErrNotFound
			return
		}
		rb.Deleted = true
		rb.DeletedAt = time.Now()
		s.roleBindings[id] = rb
		out = rb
	})
	if err == nil {
		s.roleBindingHub.Notify(watch.Delete, id, out)
	}
	return err
}

func (s *memStorage) DeletePolicyBinding(id string) error {
	var err error
	var out storage.PolicyBinding
	s.tx(func() {
		pb, ok := s.policyBindings[id]
		if !ok || pb.Deleted {
			err = storage.ErrNotFound
			return
		}
		pb.Deleted = true
		pb.DeletedAt = time.Now()
		s.policyBindings[id] = pb
		out = pb
	})
	if err == nil {
		s.policyBindingHub.Notify(watch.Delete, id, out)
	}
	return err
}

func (s *memStorage) DeleteGroupUser(id string) error {
	var err error
	var out storage.GroupUser
	s.tx(func() {
		gu, ok := s.groupUsers[id]
		if !ok || gu.Deleted {
			err = storage.ErrNotFound
			return
		}
		gu.Deleted = true
		gu.DeletedAt = time.Now()
		s.groupUsers[id] = gu
		out = gu
	})
	if err == nil {
		s.groupUserHub.Notify(watch.Delete, id, out)
	}
	return err
}

// --- Update ---

func (s *memStorage) UpdateClient(id string, updater func(storage.Client) (storage.Client, error)) error {
	var err error
	var out storage.Client
	s.tx(func() {
		c, ok := s.clients[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if out, err = updater(c); err != nil {
			return
		}
		s.clients[id] = out
	})
	if err == nil {
		s.clientHub.Notify(watch.Put, id, out)
	}
	return err
}

func (s *memStorage) UpdateKeys(updater func(storage.Keys) (storage.Keys, error)) error {
	var err error
	s.tx(func() {
		next, uerr := updater(s.keys)
		if uerr != nil {
			err = uerr
			return
		}
		s.keys = next
	})
	return err
}

func (s *memStorage) UpdateAuthRequest(id string, updater func(storage.AuthRequest) (storage.AuthRequest, error)) error {
	var err error
	s.tx(func() {
		a, ok := s.authRequests[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		next, uerr := updater(a)
		if uerr != nil {
			err = uerr
			return
		}
		s.authRequests[id] = next
	})
	return err
}

func (s *memStorage) UpdateRefreshToken(id string, updater func(storage.RefreshToken) (storage.RefreshToken, error)) error {
	var err error
	s.tx(func() {
		r, ok := s.refreshTokens[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		next, uerr := updater(r)
		if uerr != nil {
			err = uerr
			return
		}
		s.refreshTokens[id] = next
	})
	return err
}

func (s *memStorage) UpdateOfflineSessions(userID, connID string, updater func(storage.OfflineSessions) (storage.OfflineSessions, error)) error {
	key := offlineSessionID{userID: userID, connID: connID}
	var err error
	s.tx(func() {
		o, ok := s.offlineSessions[key]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		next, uerr := updater(o)
		if uerr != nil {
			err = uerr
			return
		}
		s.offlineSessions[key] = next
	})
	return err
}

func (s *memStorage) UpdateConnector(id string, updater func(storage.Connector) (storage.Connector, error)) error {
	var err error
	var out storage.Connector
	s.tx(func() {
		c, ok := s.connectors[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if out, err = updater(c); err != nil {
			return
		}
		s.connectors[id] = out
	})
	if err == nil {
		s.connectorHub.Notify(watch.Put, id, out)
	}
	return err
}

func (s *memStorage) UpdatePolicy(id string, updater func(storage.Policy) (storage.Policy, error)) error {
	var err error
	var out storage.Policy
	s.tx(func() {
		p, ok := s.policies[id]
		if !ok || p.Deleted {
			err = storage.ErrNotFound
			return
		}
		next, uerr := updater(p)
		if uerr != nil {
			err = uerr
			return
		}
		if verr := next.Validate(); verr != nil {
			err = verr
			return
		}
		next.Version = p.Version + 1
		out = next
		s.policies[id] = out
	})
	if err == nil {
		s.policyHub.Notify(watch.Put, id, out)
	}
	return err
}

// RevokeOfflineSessionChain deletes every refresh token referenced by the
// (userID, connID) offline session and the session itself, implementing the
// reuse-detection invariant of spec.md §4.7 / §8 ("Refresh reuse").
func (s *memStorage) RevokeOfflineSessionChain(userID, connID string) error {
	key := offlineSessionID{userID: userID, connID: connID}
	var err error
	s.tx(func() {
		o, ok := s.offlineSessions[key]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		for _, ref := range o.Refresh {
			delete(s.refreshTokens, ref.ID)
		}
		delete(s.offlineSessions, key)
	})
	return err
}

// --- Watch ---

// watchable is the type-erased side of a watch.Hub[T], letting memStorage's
// non-generic Watch method dispatch by kind string to the right generic hub.
type watchable interface {
	subscribe(sinceModify uint64, bufSize int) (<-chan storage.Event, watch.Guard)
}

type hubAdapter[T any] struct {
	hub  *watch.Hub[T]
	kind string
}

func (a hubAdapter[T]) subscribe(sinceModify uint64, bufSize int) (<-chan storage.Event, watch.Guard) {
	in, guard := a.hub.Subscribe(sinceModify, bufSize)
	out := make(chan storage.Event, bufSize)
	go func() {
		defer close(out)
		for ev := range in {
			out <- storage.Event{
				Kind:        a.kind,
				Op:          convertOp(ev.Op),
				Object:      ev.Object,
				ModifyIndex: ev.ModifyIndex,
			}
		}
	}()
	return out, guard
}

func convertOp(op watch.Op) storage.Op {
	switch op {
	case watch.Add:
		return storage.OpAdd
	case watch.Delete:
		return storage.OpDelete
	default:
		return storage.OpPut
	}
}

func (s *memStorage) watchableFor(kind string) (watchable, bool) {
	switch kind {
	case "client":
		return hubAdapter[storage.Client]{hub: s.clientHub, kind: kind}, true
	case "connector":
		return hubAdapter[storage.Connector]{hub: s.connectorHub, kind: kind}, true
	case "user":
		return hubAdapter[storage.User]{hub: s.userHub, kind: kind}, true
	case "group":
		return hubAdapter[storage.Group]{hub: s.groupHub, kind: kind}, true
	case "role":
		return hubAdapter[storage.Role]{hub: s.roleHub, kind: kind}, true
	case "policy":
		return hubAdapter[storage.Policy]{hub: s.policyHub, kind: kind}, true
	case "roleBinding":
		return hubAdapter[storage.RoleBinding]{hub: s.roleBindingHub, kind: kind}, true
	case "policyBinding":
		return hubAdapter[storage.PolicyBinding]{hub: s.policyBindingHub, kind: kind}, true
	case "groupUser":
		return hubAdapter[storage.GroupUser]{hub: s.groupUserHub, kind: kind}, true
	default:
		return nil, false
	}
}

type closerGuard struct{ close func() }

func (c closerGuard) Close() { c.close() }

// Watch registers a subscription for an entity kind (spec.md §4.4's
// watch-hub semantics), relaying events from the matching generic
// storage/watch.Hub to handler until the returned Guard is closed.
func (s *memStorage) Watch(kind string, sinceModify uint64, handler func(storage.Event)) (storage.Guard, error) {
	w, ok := s.watchableFor(kind)
	if !ok {
		return nil, storage.Error{Code: storage.ErrCodeBadRequest, Details: "unknown watch kind " + kind}
	}

	ch, guard := w.subscribe(sinceModify, 64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				handler(ev)
			case <-done:
				guard.Close()
				return
			}
		}
	}()
	return closerGuard{close: func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}}, nil
}

// GarbageCollect deletes all expired AuthCodes and AuthRequests.
func (s *memStorage) GarbageCollect(now time.Time) (result storage.GCResult, err error) {
	s.tx(func() {
		for id, a := range s.authRequests {
			if now.After(a.Expiry) {
				delete(s.authRequests, id)
				result.AuthRequests++
			}
		}
		for id, c := range s.authCodes {
			if now.After(c.Expiry) {
				delete(s.authCodes, id)
				result.AuthCodes++
			}
		}
	})
	return
}
