package dto

type ExtractionRequest struct {
	Text      string `json:"text" validate:"required,min=10,max=50000"`
	SubjectID string `json:"subject_id" validate:"omitempty,uuid4"`
}

type ExtractionResponse struct {
	RequestID string       `json:"request_id"`
	Extracted string       `json:"extracted"`
	Quota     *QuotaStatus `json:"quota,omitempty"`
}

type SessionRequest struct {
	UserID string `json:"user_id" validate:"required,min=1,max=255"`
}

type SessionResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}
