package service

import (
	"tgvidbot/internal/model"
	"tgvidbot/pkg/validator"
)

// Decision is the outcome of an access check. Reason is nil when Allowed.
type Decision struct {
	Allowed  bool
	Platform string
	Reason   error
}

// AccessService gates requests by chat allow-list and supported platform
type AccessService struct {
	allowed map[int64]struct{}
	enabled map[string]bool
}

// NewAccessService builds the filter from configuration.
// An empty allow-list lets every chat through.
func NewAccessService(cfg *model.Config) *AccessService {
	allowed := make(map[int64]struct{}, len(cfg.Telegram.AllowedChatIDs))
	for _, id := range cfg.Telegram.AllowedChatIDs {
		allowed[id] = struct{}{}
	}

	enabled := make(map[string]bool, len(cfg.SupportedSites))
	for name, on := range cfg.SupportedSites {
		enabled[name] = on
	}

	return &AccessService{allowed: allowed, enabled: enabled}
}

// Unrestricted reports whether the allow-list is empty
func (s *AccessService) Unrestricted() bool {
	return len(s.allowed) == 0
}

// IsChatAllowed checks the allow-list only
func (s *AccessService) IsChatAllowed(chatID int64) bool {
	if s.Unrestricted() {
		return true
	}
	_, ok := s.allowed[chatID]
	return ok
}

// Check validates chat identity first, then the URL's platform.
func (s *AccessService) Check(chatID int64, rawURL string) Decision {
	if !s.IsChatAllowed(chatID) {
		return Decision{Reason: model.ErrAccessDenied}
	}

	platform, ok := validator.MatchPlatform(rawURL, s.enabled)
	if !ok {
		return Decision{Reason: model.ErrUnsupportedURL}
	}

	return Decision{Allowed: true, Platform: platform}
}

// EnabledPlatforms lists the platforms users may submit, in registry order
func (s *AccessService) EnabledPlatforms() []string {
	return validator.EnabledPlatforms(s.enabled)
}
