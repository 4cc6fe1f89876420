package entity

import (
	"net/http"
	"telemtadm/lib/validate"
)

// TokenParams is the API request body for creating an invite token.
// Days is capped by the security policy; AutoApprove may be disabled
// globally in the config.
type TokenParams struct {
	Days        int64 `json:"days" validate:"omitempty,min=1"`
	MaxUsage    int64 `json:"max_usage" validate:"omitempty,min=0"`
	AutoApprove bool  `json:"auto_approve"`
	CreatedBy   int64 `json:"created_by" validate:"omitempty"`
}

func (p *TokenParams) Bind(_ *http.Request) error {
	return validate.Struct(p)
}

// ApiClient identifies a caller of the HTTP admin API. Clients are static,
// configured in the YAML config; there is no self-service API signup.
type ApiClient struct {
	Name  string `json:"name" yaml:"name" validate:"required"`
	Token string `json:"-" yaml:"token" validate:"required,min=16"`
}
