package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"biosign/go-backend/internal/prompt"
	"biosign/go-backend/pkg/models"
)

var errInvalidParams = errors.New("invalid params")

const maxScriptSteps = 64

type availabilityParams struct {
	AllowDeviceCredentials bool `json:"allowDeviceCredentials"`
}

type promptParams struct {
	prompt.Options
	Payload *string `json:"payload"`
	Async   bool    `json:"async"`
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
	Wait      bool   `json:"wait"`
}

type enrollParams struct {
	Name   string `json:"name"`
	Strong *bool  `json:"strong"`
}

type passcodeParams struct {
	Passcode string `json:"passcode"`
}

type hardwareParams struct {
	Present   *bool `json:"present"`
	Available *bool `json:"available"`
}

type scriptParams struct {
	Steps []models.ScriptStep `json:"steps"`
}

// decodeObjectParams accepts params as an object, a one-element array
// holding the object, or absent.
func decodeObjectParams[T any](raw json.RawMessage, dst *T) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		var arr []T
		if err := json.Unmarshal(trimmed, &arr); err != nil || len(arr) > 1 {
			return errInvalidParams
		}
		if len(arr) == 1 {
			*dst = arr[0]
		}
		return nil
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return errInvalidParams
	}
	return nil
}

func decodePromptParams(raw json.RawMessage, requirePayload bool) (promptParams, error) {
	var p promptParams
	if err := decodeObjectParams(raw, &p); err != nil {
		return promptParams{}, err
	}
	if requirePayload && p.Payload == nil {
		return promptParams{}, errInvalidParams
	}
	return p, nil
}

func decodeSessionParams(raw json.RawMessage) (sessionParams, error) {
	var p sessionParams
	if err := decodeObjectParams(raw, &p); err != nil {
		return sessionParams{}, err
	}
	p.SessionID = strings.TrimSpace(p.SessionID)
	if p.SessionID == "" {
		return sessionParams{}, errInvalidParams
	}
	return p, nil
}

func decodeEnrollParams(raw json.RawMessage) (string, bool, error) {
	var p enrollParams
	if err := decodeObjectParams(raw, &p); err != nil {
		return "", false, err
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return "", false, errInvalidParams
	}
	strong := true
	if p.Strong != nil {
		strong = *p.Strong
	}
	return name, strong, nil
}

func decodeHardwareParams(raw json.RawMessage) (bool, bool, error) {
	var p hardwareParams
	if err := decodeObjectParams(raw, &p); err != nil {
		return false, false, err
	}
	if p.Present == nil {
		return false, false, errInvalidParams
	}
	available := *p.Present
	if p.Available != nil {
		available = *p.Available
	}
	return *p.Present, available, nil
}

func decodeScriptParams(raw json.RawMessage) ([]models.ScriptStep, error) {
	var p scriptParams
	if err := decodeObjectParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Steps) == 0 || len(p.Steps) > maxScriptSteps {
		return nil, errInvalidParams
	}
	return p.Steps, nil
}
