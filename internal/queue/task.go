package queue

import "time"

type InvokeFrom string

const (
	InvokeFromDebugger   InvokeFrom = "debugger"
	InvokeFromServiceAPI InvokeFrom = "service-api"
	InvokeFromWebApp     InvokeFrom = "web-app"
	InvokeFromExplore    InvokeFrom = "explore"
)

type AppMode string

const (
	AppModeChat       AppMode = "chat"
	AppModeCompletion AppMode = "completion"
	AppModeAgentChat  AppMode = "agent-chat"
	AppModeWorkflow   AppMode = "workflow"
)

// Task identifies one generation request for the lifetime of its queue.
type Task struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	InvokeFrom InvokeFrom `json:"invoke_from"`
	AppMode    AppMode    `json:"app_mode"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ActorKey derives the owner identity used for stop-request authorization.
// Console-side origins act as the account, public origins as the end user.
func ActorKey(from InvokeFrom, actorID string) string {
	switch from {
	case InvokeFromDebugger, InvokeFromExplore:
		return "account-" + actorID
	default:
		return "end-user-" + actorID
	}
}
