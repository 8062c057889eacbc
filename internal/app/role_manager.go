package app

import "context"

// RoleHooks are the responsibilities switched on leadership changes.
type RoleHooks interface {
	StartLeader(ctx context.Context)
	StopLeader()
	StartFollower(ctx context.Context)
	StopFollower()
}

// RoleManager applies leadership observations to RoleHooks.
type RoleManager struct {
	hooks RoleHooks
}

// NewRoleManager creates a role manager.
func NewRoleManager(hooks RoleHooks) *RoleManager {
	return &RoleManager{hooks: hooks}
}

// Run applies role changes until the role channel closes, ctx is done, or the elector fails.
func (m *RoleManager) Run(ctx context.Context, roleEvents <-chan bool, electorErrs <-chan error) error {
	if m == nil || m.hooks == nil {
		return nil
	}

	started := false
	isLeader := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-electorErrs:
			if !ok {
				electorErrs = nil
				continue
			}
			if err != nil {
				return err
			}
		case nextRole, ok := <-roleEvents:
			if !ok {
				return nil
			}
			switch {
			case !started:
				started = true
			case nextRole == isLeader:
				continue
			case isLeader:
				m.hooks.StopLeader()
			default:
				m.hooks.StopFollower()
			}
			isLeader = nextRole
			if isLeader {
				m.hooks.StartLeader(ctx)
			} else {
				m.hooks.StartFollower(ctx)
			}
		}
	}
}
