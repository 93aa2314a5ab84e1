package rpc

import (
	"encoding/json"

	"biosign/go-backend/pkg/models"
)

// dispatchSensorRPC serves simulator administration. The methods do not
// exist when the daemon is not backed by the simulator.
func (s *Server) dispatchSensorRPC(method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	admin := s.service.Admin()
	if admin == nil {
		return nil, nil, false
	}
	switch method {
	case "sensor.status":
		return admin.Status(), nil, true
	case "sensor.enroll":
		name, strong, err := decodeEnrollParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		if err := admin.EnrollBiometric(name, strong); err != nil {
			return nil, mapSensorError(err), true
		}
		return admin.Status(), nil, true
	case "sensor.remove":
		name, _, err := decodeEnrollParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		if err := admin.RemoveBiometric(name); err != nil {
			return nil, mapSensorError(err), true
		}
		return admin.Status(), nil, true
	case "sensor.clear":
		if err := admin.ClearBiometrics(); err != nil {
			return nil, mapSensorError(err), true
		}
		return admin.Status(), nil, true
	case "sensor.passcode":
		result, rpcErr := callWithObjectParams(rawParams, mapSensorError, func(p passcodeParams) (any, error) {
			return admin.SetPasscode(p.Passcode)
		})
		return result, rpcErr, true
	case "sensor.hardware":
		present, available, err := decodeHardwareParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		admin.SetHardware(present, available)
		return admin.Status(), nil, true
	case "sensor.script":
		steps, err := decodeScriptParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		pending, err := admin.Script(steps)
		if err != nil {
			return nil, mapSensorError(err), true
		}
		return models.ScriptQueued{Pending: pending}, nil, true
	default:
		return nil, nil, false
	}
}
