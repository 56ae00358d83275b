package dto

// ForceActionRequest is the body of a manual override.
type ForceActionRequest struct {
	Action string `json:"action"` // activate / pause
}
