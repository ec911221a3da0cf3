package domain

type Notification struct {
	From     UserID         `json:"from"`
	Targets  []UserID       `json:"-"`
	Type     string         `json:"type"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DeliveryReport lists which targets had at least one live connection.
type DeliveryReport struct {
	Delivered []UserID `json:"delivered"`
	Offline   []UserID `json:"offline"`
}
