package membersync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// IdentitySource looks up person records. A missing person is ErrNotFound.
type IdentitySource interface {
	GetUser(ctx context.Context, username string) (User, error)
}

// MembershipSource is the authoritative registry of group memberships.
type MembershipSource interface {
	GetGroups(ctx context.Context, username string) ([]Group, error)
	GetMembers(ctx context.Context, groupID string) ([]string, error)
}

type OutcomeKind string

const (
	OutcomeUser   OutcomeKind = "user"
	OutcomeGroup  OutcomeKind = "group"
	OutcomeMember OutcomeKind = "member"
)

// Outcome describes one finished sync. Error carries the sanitized failure
// text and is empty on success.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Subject string      `json:"subject"`
	Result  Result      `json:"result"`
	Error   string      `json:"error,omitempty"`
	At      time.Time   `json:"at"`
}

type Recorder interface {
	Record(Outcome)
}

type ServiceOptions struct {
	Identity    IdentitySource
	Membership  MembershipSource
	Target      TargetStore
	Ignore      IgnorePolicy
	Namespace   Namespace
	RootGroup   string
	EmailDomain string
	Recorder    Recorder
	Logger      *slog.Logger
	// Sanitize cleans errors before they reach a Recorder.
	Sanitize func(error) string
}

// Service is the immutable context every sync runs against. Build it once
// at startup and share it.
type Service struct {
	identity    IdentitySource
	membership  MembershipSource
	target      TargetStore
	engine      *Engine
	ignore      IgnorePolicy
	emailDomain string
	recorder    Recorder
	logger      *slog.Logger
	sanitize    func(error) string
	now         func() time.Time
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Identity == nil || opts.Membership == nil || opts.Target == nil {
		return nil, fmt.Errorf("%w: identity, membership and target sources are required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	engine, err := NewEngine(opts.Target, EngineOptions{
		Namespace: opts.Namespace,
		RootGroup: opts.RootGroup,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	sanitize := opts.Sanitize
	if sanitize == nil {
		sanitize = func(err error) string { return err.Error() }
	}
	return &Service{
		identity:    opts.Identity,
		membership:  opts.Membership,
		target:      opts.Target,
		engine:      engine,
		ignore:      opts.Ignore,
		emailDomain: opts.EmailDomain,
		recorder:    opts.Recorder,
		logger:      logger,
		sanitize:    sanitize,
		now:         time.Now,
	}, nil
}

func (s *Service) Engine() *Engine {
	return s.engine
}

func (s *Service) IgnorePolicy() IgnorePolicy {
	return s.ignore
}

// SyncUser makes sure username exists in the target store and that its
// groups match the membership source. A user with neither a person record
// nor any group is rejected with ErrUnknownUser.
func (s *Service) SyncUser(ctx context.Context, username string) (Result, error) {
	username = strings.TrimSpace(username)
	result, err := s.syncUser(ctx, username)
	s.record(OutcomeUser, username, result, err)
	return result, err
}

func (s *Service) syncUser(ctx context.Context, username string) (Result, error) {
	if username == "" {
		return Result{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	person, err := s.identity.GetUser(ctx, username)
	found := err == nil
	if err != nil && !IsNotFound(err) {
		return Result{}, fmt.Errorf("look up person %s: %w", username, err)
	}
	groups, err := s.membership.GetGroups(ctx, username)
	if err != nil {
		return Result{}, fmt.Errorf("look up groups of %s: %w", username, err)
	}
	if !found {
		if len(groups) == 0 {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
		}
		s.logger.InfoContext(ctx, "no person record; creating shared user", "user", username, "groups", len(groups))
		person = SharedUser(username, s.emailDomain)
	}
	if strings.TrimSpace(person.UserName) == "" {
		person.UserName = username
	}
	if err := s.target.CreateUser(ctx, person); err != nil {
		if !IsConflict(err) {
			return Result{}, fmt.Errorf("create user %s: %w", username, err)
		}
		s.logger.DebugContext(ctx, "user already exists", "user", username)
	}
	return s.engine.ReconcileUserGroups(ctx, username, groups)
}

// SyncGroup reconciles the person members of one group.
func (s *Service) SyncGroup(ctx context.Context, groupID string) (Result, error) {
	groupID = strings.TrimSpace(groupID)
	result, err := s.syncGroup(ctx, groupID)
	s.record(OutcomeGroup, groupID, result, err)
	return result, err
}

func (s *Service) syncGroup(ctx context.Context, groupID string) (Result, error) {
	if groupID == "" {
		return Result{}, fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}
	if s.ignore.Ignored(groupID) {
		return Result{}, fmt.Errorf("%w: %s", ErrIgnoredGroup, groupID)
	}
	members, err := s.membership.GetMembers(ctx, groupID)
	if err != nil {
		return Result{}, fmt.Errorf("look up members of %s: %w", groupID, err)
	}
	return s.engine.ReconcileGroupMembers(ctx, groupID, groupID, members)
}

// ResyncMember refreshes the groups of a user named in a change event. Users
// the target store does not know are skipped.
func (s *Service) ResyncMember(ctx context.Context, username string) (Result, error) {
	username = strings.TrimSpace(username)
	result, err := s.resyncMember(ctx, username)
	s.record(OutcomeMember, username, result, err)
	return result, err
}

func (s *Service) resyncMember(ctx context.Context, username string) (Result, error) {
	if username == "" {
		return Result{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if _, err := s.target.GetUser(ctx, username); err != nil {
		if IsNotFound(err) {
			s.logger.DebugContext(ctx, "member unknown to target; skipping", "user", username)
			return Result{Skipped: []string{username}}, nil
		}
		return Result{}, fmt.Errorf("look up target user %s: %w", username, err)
	}
	groups, err := s.membership.GetGroups(ctx, username)
	if err != nil {
		return Result{}, fmt.Errorf("look up groups of %s: %w", username, err)
	}
	return s.engine.ReconcileUserGroups(ctx, username, groups)
}

func (s *Service) record(kind OutcomeKind, subject string, result Result, err error) {
	if s.recorder == nil {
		return
	}
	outcome := Outcome{
		Kind:    kind,
		Subject: subject,
		Result:  result,
		At:      s.now().UTC(),
	}
	if err != nil {
		outcome.Error = s.sanitize(err)
	}
	s.recorder.Record(outcome)
}
