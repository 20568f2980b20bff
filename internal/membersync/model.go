package membersync

import (
	"sort"
	"strings"
)

type User struct {
	UserName  string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// SharedUser builds the record used for accounts that have group
// memberships but no person record.
func SharedUser(username, domainSuffix string) User {
	return User{
		UserName:  username,
		FirstName: username,
		LastName:  username,
		Email:     username + domainSuffix,
	}
}

type Group struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

func (g Group) Label() string {
	if strings.TrimSpace(g.DisplayName) != "" {
		return g.DisplayName
	}
	return g.ID
}

type MemberType string

const (
	MemberPerson MemberType = "PERSON"
	MemberGroup  MemberType = "GROUP"
)

const ActionUpdateMembers = "update-members"

type ChangeEvent struct {
	Action        string
	GroupID       string
	AddMembers    []string
	DeleteMembers []string
	UpdateMembers []string
}

// ChangedMembers returns every member named by the event once, in first-seen
// order.
func (e ChangeEvent) ChangedMembers() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(e.AddMembers)+len(e.DeleteMembers)+len(e.UpdateMembers))
	for _, list := range [][]string{e.AddMembers, e.DeleteMembers, e.UpdateMembers} {
		for _, member := range list {
			member = strings.TrimSpace(member)
			if member == "" {
				continue
			}
			if _, ok := seen[member]; ok {
				continue
			}
			seen[member] = struct{}{}
			out = append(out, member)
		}
	}
	return out
}

type MembershipSet struct {
	items map[string]struct{}
}

func NewMembershipSet(ids ...string) *MembershipSet {
	s := &MembershipSet{items: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s *MembershipSet) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	s.items[id] = struct{}{}
}

func (s *MembershipSet) Has(id string) bool {
	_, ok := s.items[id]
	return ok
}

func (s *MembershipSet) Len() int {
	return len(s.items)
}

func (s *MembershipSet) Sorted() []string {
	out := make([]string, 0, len(s.items))
	for id := range s.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Diff compares s (authoritative) against target. Members in both sets are
// left out of either result.
func (s *MembershipSet) Diff(target *MembershipSet) (toAdd, toRemove []string) {
	toAdd = []string{}
	toRemove = []string{}
	for _, id := range s.Sorted() {
		if !target.Has(id) {
			toAdd = append(toAdd, id)
		}
	}
	for _, id := range target.Sorted() {
		if !s.Has(id) {
			toRemove = append(toRemove, id)
		}
	}
	return toAdd, toRemove
}
