package models

// ActionType is a row of the global (marketplace, code) -> handler key registry.
type ActionType struct {
	ID          int64       `json:"id"`
	Marketplace Marketplace `json:"marketplace"`
	Code        string      `json:"code"`
	HandlerKey  string      `json:"handler_key"`
	Description string      `json:"description"`
}
