package membersync

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// memoryTarget is an in-memory target store that records every call.
type memoryTarget struct {
	mu      sync.Mutex
	users   map[string]User
	groups  map[string]map[string]MemberType
	labels  map[string]string
	calls   []string
	errs    map[string]error
	created []User
}

func newMemoryTarget(root string) *memoryTarget {
	return &memoryTarget{
		users:  map[string]User{},
		groups: map[string]map[string]MemberType{root: {}},
		labels: map[string]string{},
		errs:   map[string]error{},
	}
}

func (m *memoryTarget) withUser(username string, groups ...string) *memoryTarget {
	m.users[username] = User{UserName: username}
	for _, g := range groups {
		if m.groups[g] == nil {
			m.groups[g] = map[string]MemberType{}
		}
		m.groups[g][username] = MemberPerson
	}
	return m
}

func (m *memoryTarget) withGroup(groupID string, members ...string) *memoryTarget {
	if m.groups[groupID] == nil {
		m.groups[groupID] = map[string]MemberType{}
	}
	for _, member := range members {
		m.groups[groupID][member] = MemberPerson
	}
	return m
}

func (m *memoryTarget) record(call string) error {
	m.calls = append(m.calls, call)
	if err, ok := m.errs[call]; ok {
		return err
	}
	return nil
}

func (m *memoryTarget) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *memoryTarget) resetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *memoryTarget) mutations() []string {
	out := []string{}
	for _, call := range m.callLog() {
		if len(call) >= 4 && (call[:4] == "add " || call[:4] == "remo" || call[:4] == "crea") {
			out = append(out, call)
		}
	}
	return out
}

func (m *memoryTarget) CreateUser(_ context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create-user " + user.UserName); err != nil {
		return err
	}
	if _, ok := m.users[user.UserName]; ok {
		return ErrConflict
	}
	m.users[user.UserName] = user
	m.created = append(m.created, user)
	return nil
}

func (m *memoryTarget) GetUser(_ context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("get-user " + username); err != nil {
		return User{}, err
	}
	user, ok := m.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (m *memoryTarget) GetUserGroups(_ context.Context, username string) ([]Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("get-user-groups " + username); err != nil {
		return nil, err
	}
	if _, ok := m.users[username]; !ok {
		return nil, ErrNotFound
	}
	out := []Group{}
	for id, members := range m.groups {
		if members[username] == MemberPerson {
			out = append(out, Group{ID: id, DisplayName: m.labels[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryTarget) GetMembers(_ context.Context, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("get-members " + groupID); err != nil {
		return nil, err
	}
	members, ok := m.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	out := []string{}
	for id, kind := range members {
		if kind == MemberPerson {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryTarget) AddMember(_ context.Context, groupID, memberID, displayName string, memberType MemberType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := fmt.Sprintf("add %s %s", groupID, memberID)
	if memberType == MemberGroup {
		call = fmt.Sprintf("add %s %s group %q", groupID, memberID, displayName)
	}
	if err := m.record(call); err != nil {
		return err
	}
	members, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := members[memberID]; exists {
		return ErrConflict
	}
	members[memberID] = memberType
	if memberType == MemberGroup {
		if m.groups[memberID] == nil {
			m.groups[memberID] = map[string]MemberType{}
		}
		m.labels[memberID] = displayName
	}
	return nil
}

func (m *memoryTarget) RemoveMember(_ context.Context, groupID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(fmt.Sprintf("remove %s %s", groupID, memberID)); err != nil {
		return err
	}
	members, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := members[memberID]; !exists {
		return ErrNotFound
	}
	delete(members, memberID)
	return nil
}

type fakeIdentity struct {
	users map[string]User
	err   error
	calls int
}

func (f *fakeIdentity) GetUser(_ context.Context, username string) (User, error) {
	f.calls++
	if f.err != nil {
		return User{}, f.err
	}
	user, ok := f.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

type fakeMembership struct {
	groups      map[string][]Group
	members     map[string][]string
	groupsErr   error
	membersErr  error
	groupsCalls []string
}

func (f *fakeMembership) GetGroups(_ context.Context, username string) ([]Group, error) {
	f.groupsCalls = append(f.groupsCalls, username)
	if f.groupsErr != nil {
		return nil, f.groupsErr
	}
	return f.groups[username], nil
}

func (f *fakeMembership) GetMembers(_ context.Context, groupID string) ([]string, error) {
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	members, ok := f.members[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return members, nil
}

type recorderFunc func(Outcome)

func (f recorderFunc) Record(o Outcome) { f(o) }
