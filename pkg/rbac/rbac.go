package rbac

import "fmt"

// 权限常量
const (
	PermissionJoinProject  = "project:join"
	PermissionSubscribe    = "tier:subscribe"
	PermissionSubmitReport = "report:submit"
	PermissionReviewReport = "report:review"
	PermissionReplayOutbox = "outbox:replay"
	PermissionReadOwnData  = "self:read"
)

// 角色常量
const (
	RoleSubscriber = "subscriber"
	RoleCoach      = "coach"
	RoleAdmin      = "admin"
)

var subscriberPermissions = []string{
	PermissionJoinProject,
	PermissionSubscribe,
	PermissionSubmitReport,
	PermissionReadOwnData,
}

// 教练本身也是订阅者，额外拥有评审权限
var rolePermissions = map[string][]string{
	RoleSubscriber: subscriberPermissions,
	RoleCoach:      append(append([]string{}, subscriberPermissions...), PermissionReviewReport),
	RoleAdmin:      {PermissionReplayOutbox, PermissionReadOwnData},
}

// NormalizeRole 未知或为空的角色按订阅者处理
func NormalizeRole(role string) string {
	if _, ok := rolePermissions[role]; ok {
		return role
	}
	return RoleSubscriber
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[NormalizeRole(role)] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 返回错误而不是布尔值，便于 handler 处理
func CheckPermission(subscriberID int64, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			SubscriberID: subscriberID,
			Role:         NormalizeRole(role),
			Permission:   permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足
type PermissionDeniedError struct {
	SubscriberID int64
	Role         string
	Permission   string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("role %q lacks permission %q", e.Role, e.Permission)
}
