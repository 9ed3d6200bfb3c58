package repositories

import (
	"github.com/Thanush-07/aegis/internal/auth"
	"github.com/Thanush-07/aegis/internal/background"
	"github.com/Thanush-07/aegis/internal/services"
)

// Compile-time checks that the concrete repositories keep satisfying the
// interfaces the services and wiring consume them through.
var (
	_ services.UserRepository         = (*UserRepository)(nil)
	_ services.UserCounter            = (*UserRepository)(nil)
	_ services.SessionRepository      = (*SessionRepository)(nil)
	_ services.SessionCounter         = (*SessionRepository)(nil)
	_ services.MFAMethodRepository    = (*MFAMethodRepository)(nil)
	_ services.MFAMethodReader        = (*MFAMethodRepository)(nil)
	_ services.MFAChallengeRepository = (*MFAChallengeRepository)(nil)
	_ services.LoginAttemptRepository = (*LoginAttemptRepository)(nil)
	_ services.AuditLogRepository     = (*AuditLogRepository)(nil)

	_ auth.SessionRevocationChecker = (*SessionRepository)(nil)

	_ background.SessionCleaner       = (*SessionRepository)(nil)
	_ background.ChallengeCleaner     = (*MFAChallengeRepository)(nil)
	_ background.PendingMethodCleaner = (*MFAMethodRepository)(nil)
	_ background.AttemptCleaner       = (*LoginAttemptRepository)(nil)
	_ background.AuditCleaner         = (*AuditLogRepository)(nil)
)
