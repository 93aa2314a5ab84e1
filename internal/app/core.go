package app

import (
	"context"

	"biosign/go-backend/internal/prompt"
	"biosign/go-backend/internal/signing"
	"biosign/go-backend/pkg/models"
)

type CoreAPI interface {
	CheckAvailability(allowDeviceCredential bool) models.Availability
	CreateKey() (models.PublicKey, error)
	DeleteKey() (models.KeysDeleted, error)
	KeyExists() (models.KeysExist, error)

	Authenticate(ctx context.Context, opts prompt.Options) (*signing.Pending, error)
	AuthenticateAndSign(ctx context.Context, opts prompt.Options, payload string) (*signing.Pending, error)
	SignWithRecentAuthentication(ctx context.Context, payload string) (*signing.Pending, error)
	SessionResult(sessionID string) (models.PromptResult, bool, error)
	AwaitSession(ctx context.Context, sessionID string) (models.PromptResult, error)

	Admin() SensorAdmin

	Health() models.HealthStatus
}
