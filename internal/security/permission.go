package security

// ResourcePermission is a resource-type-scoped allow/deny policy (e.g. which
// Discord channel IDs a narrative may touch).
type ResourcePermission struct {
	AllowedIDs        map[string]bool
	DeniedIDs         map[string]bool
	AllowAllByDefault bool
}

// PermissionConfig is the permission policy for one narrative: which
// commands it may invoke, which resources and users/roles it may touch.
type PermissionConfig struct {
	AllowedCommands   map[string]bool
	DeniedCommands    map[string]bool
	Resources         map[string]ResourcePermission
	ProtectedUsers    map[string]bool
	ProtectedRoles    map[string]bool
	AllowAllByDefault bool
}

// NewPermissionConfig returns an empty, deny-by-default configuration.
func NewPermissionConfig() PermissionConfig {
	return PermissionConfig{
		AllowedCommands: make(map[string]bool),
		DeniedCommands:  make(map[string]bool),
		Resources:       make(map[string]ResourcePermission),
		ProtectedUsers:  make(map[string]bool),
		ProtectedRoles:  make(map[string]bool),
	}
}

// PermissionChecker enforces a PermissionConfig against individual commands,
// resources, users, and roles. It is the first layer of the secure
// bot-command execution pipeline.
type PermissionChecker struct {
	config PermissionConfig
}

// NewPermissionChecker wraps config for enforcement.
func NewPermissionChecker(config PermissionConfig) *PermissionChecker {
	return &PermissionChecker{config: config}
}

// CheckCommand rejects a command that is explicitly denied, or that is
// neither explicitly allowed nor covered by allow-all-by-default. Deny
// always takes precedence over allow.
func (p *PermissionChecker) CheckCommand(command string) error {
	if p.config.DeniedCommands[command] {
		return &PermissionDeniedError{Command: command, Reason: "command is in deny list"}
	}
	if p.config.AllowedCommands[command] || p.config.AllowAllByDefault {
		return nil
	}
	return &PermissionDeniedError{Command: command, Reason: "command not in allow list"}
}

// CheckResource rejects a resource ID not covered by the allow policy
// configured for resourceType, with the same deny-takes-precedence rule as
// CheckCommand. A resource type with no configured policy follows the
// config-wide AllowAllByDefault.
func (p *PermissionChecker) CheckResource(resourceType, resourceID string) error {
	perm, configured := p.config.Resources[resourceType]
	label := resourceType + ":" + resourceID

	if !configured {
		if p.config.AllowAllByDefault {
			return nil
		}
		return &ResourceAccessDeniedError{Resource: label, Reason: "no policy configured for resource type"}
	}

	if perm.DeniedIDs[resourceID] {
		return &ResourceAccessDeniedError{Resource: label, Reason: "resource is in deny list"}
	}
	if perm.AllowedIDs[resourceID] || perm.AllowAllByDefault {
		return nil
	}
	return &ResourceAccessDeniedError{Resource: label, Reason: "resource not in allow list"}
}

// CheckUserProtected rejects a user ID a narrative is forbidden from
// targeting (e.g. moderators, the bot's own operator).
func (p *PermissionChecker) CheckUserProtected(userID string) error {
	if p.config.ProtectedUsers[userID] {
		return &ResourceAccessDeniedError{Resource: "user:" + userID, Reason: "user is protected and cannot be targeted"}
	}
	return nil
}

// CheckRoleProtected rejects a role ID a narrative is forbidden from
// modifying.
func (p *PermissionChecker) CheckRoleProtected(roleID string) error {
	if p.config.ProtectedRoles[roleID] {
		return &ResourceAccessDeniedError{Resource: "role:" + roleID, Reason: "role is protected and cannot be modified"}
	}
	return nil
}
