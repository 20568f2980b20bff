package membersync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// TargetStore is the access-control store whose memberships are kept in sync.
// Implementations report a missing entity with ErrNotFound and a duplicate
// with ErrConflict. Group ids are exchanged without any store-specific prefix.
type TargetStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, username string) (User, error)
	GetUserGroups(ctx context.Context, username string) ([]Group, error)
	GetMembers(ctx context.Context, groupID string) ([]string, error)
	AddMember(ctx context.Context, groupID, memberID, displayName string, memberType MemberType) error
	RemoveMember(ctx context.Context, groupID, memberID string) error
}

type Result struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Skipped []string `json:"skipped"`
	Created []string `json:"created"`
}

func (r Result) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0 || len(r.Created) > 0
}

type EngineOptions struct {
	Namespace Namespace
	RootGroup string
	Logger    *slog.Logger
}

// Engine applies the difference between an authoritative membership list
// and the target store. It holds no mutable state and is safe for
// concurrent use across different users and groups.
type Engine struct {
	target    TargetStore
	namespace Namespace
	rootGroup string
	logger    *slog.Logger
}

func NewEngine(target TargetStore, opts EngineOptions) (*Engine, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: target store is required", ErrInvalidInput)
	}
	root := strings.TrimSpace(opts.RootGroup)
	if root == "" {
		root = DefaultRootGroup
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		target:    target,
		namespace: opts.Namespace,
		rootGroup: root,
		logger:    logger,
	}, nil
}

func (e *Engine) RootGroup() string {
	return e.rootGroup
}

// ReconcileUserGroups brings the groups of username in the target store in
// line with authoritative. The first unexpected error stops the run and is
// returned; re-running converges.
func (e *Engine) ReconcileUserGroups(ctx context.Context, username string, authoritative []Group) (Result, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Result{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	current, err := e.target.GetUserGroups(ctx, username)
	if err != nil {
		return Result{}, fmt.Errorf("get groups of %s: %w", username, err)
	}

	labels := map[string]string{}
	want := NewMembershipSet()
	for _, group := range authoritative {
		id := strings.TrimSpace(group.ID)
		if id == "" {
			continue
		}
		want.Add(id)
		labels[id] = group.Label()
	}
	have := NewMembershipSet()
	for _, group := range current {
		have.Add(group.ID)
	}
	toAdd, toRemove := want.Diff(have)

	result := Result{}
	for _, groupID := range toAdd {
		created, err := e.addWithCreate(ctx, groupID, labels[groupID], username)
		if err != nil {
			return result, err
		}
		if created {
			result.Created = append(result.Created, groupID)
		}
		result.Added = append(result.Added, groupID)
		e.logger.InfoContext(ctx, "added user to group", "user", username, "group", groupID)
	}
	for _, groupID := range toRemove {
		if !e.namespace.Managed(groupID) {
			result.Skipped = append(result.Skipped, groupID)
			e.logger.DebugContext(ctx, "skipping unmanaged group", "user", username, "group", groupID)
			continue
		}
		removed, err := e.remove(ctx, groupID, username)
		if err != nil {
			return result, err
		}
		if removed {
			result.Removed = append(result.Removed, groupID)
		}
	}
	return result, nil
}

// ReconcileGroupMembers brings the person members of groupID in line with
// authoritative. A missing group is created under the root group first.
// Members the target store does not know are skipped.
func (e *Engine) ReconcileGroupMembers(ctx context.Context, groupID, displayName string, authoritative []string) (Result, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return Result{}, fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = groupID
	}

	result := Result{}
	current, err := e.target.GetMembers(ctx, groupID)
	switch {
	case IsNotFound(err):
		if err := e.createGroup(ctx, groupID, displayName); err != nil {
			return result, err
		}
		result.Created = append(result.Created, groupID)
		current = nil
	case err != nil:
		return result, fmt.Errorf("get members of %s: %w", groupID, err)
	}

	toAdd, toRemove := NewMembershipSet(authoritative...).Diff(NewMembershipSet(current...))
	for _, member := range toAdd {
		if _, err := e.target.GetUser(ctx, member); err != nil {
			if IsNotFound(err) {
				result.Skipped = append(result.Skipped, member)
				e.logger.DebugContext(ctx, "skipping member unknown to target", "group", groupID, "user", member)
				continue
			}
			return result, fmt.Errorf("get user %s: %w", member, err)
		}
		if err := e.target.AddMember(ctx, groupID, member, "", MemberPerson); err != nil && !IsConflict(err) {
			return result, fmt.Errorf("add %s to %s: %w", member, groupID, err)
		}
		result.Added = append(result.Added, member)
		e.logger.InfoContext(ctx, "added member to group", "group", groupID, "user", member)
	}
	if !e.namespace.Managed(groupID) {
		if len(toRemove) > 0 {
			e.logger.DebugContext(ctx, "group is unmanaged; not removing members", "group", groupID, "count", len(toRemove))
		}
		result.Skipped = append(result.Skipped, toRemove...)
		return result, nil
	}
	for _, member := range toRemove {
		removed, err := e.remove(ctx, groupID, member)
		if err != nil {
			return result, err
		}
		if removed {
			result.Removed = append(result.Removed, member)
		}
	}
	return result, nil
}

// addWithCreate adds memberID to groupID. When the group is missing it is
// created under the root group and the add is retried once.
func (e *Engine) addWithCreate(ctx context.Context, groupID, displayName, memberID string) (bool, error) {
	err := e.target.AddMember(ctx, groupID, memberID, "", MemberPerson)
	switch {
	case err == nil, IsConflict(err):
		return false, nil
	case !IsNotFound(err):
		return false, fmt.Errorf("add %s to %s: %w", memberID, groupID, err)
	}

	if err := e.createGroup(ctx, groupID, displayName); err != nil {
		return false, err
	}
	if err := e.target.AddMember(ctx, groupID, memberID, "", MemberPerson); err != nil && !IsConflict(err) {
		return true, fmt.Errorf("add %s to new group %s: %w", memberID, groupID, err)
	}
	return true, nil
}

func (e *Engine) createGroup(ctx context.Context, groupID, displayName string) error {
	if strings.TrimSpace(displayName) == "" {
		displayName = groupID
	}
	err := e.target.AddMember(ctx, e.rootGroup, groupID, displayName, MemberGroup)
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("create group %s under %s: %w", groupID, e.rootGroup, err)
	}
	e.logger.InfoContext(ctx, "created group", "group", groupID, "root", e.rootGroup)
	return nil
}

func (e *Engine) remove(ctx context.Context, groupID, memberID string) (bool, error) {
	err := e.target.RemoveMember(ctx, groupID, memberID)
	switch {
	case err == nil:
		e.logger.InfoContext(ctx, "removed member from group", "group", groupID, "member", memberID)
		return true, nil
	case IsNotFound(err):
		e.logger.InfoContext(ctx, "membership already absent", "group", groupID, "member", memberID)
		return false, nil
	default:
		return false, fmt.Errorf("remove %s from %s: %w", memberID, groupID, err)
	}
}
