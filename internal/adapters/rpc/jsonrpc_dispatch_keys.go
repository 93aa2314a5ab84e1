package rpc

import (
	"encoding/json"
)

func (s *Server) dispatchKeyRPC(method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "biometry.available":
		result, rpcErr := callWithObjectParams(rawParams, mapServiceError, func(p availabilityParams) (any, error) {
			return s.service.CheckAvailability(p.AllowDeviceCredentials), nil
		})
		return result, rpcErr, true
	case "keys.create":
		result, rpcErr := callWithoutParams(mapServiceError, func() (any, error) {
			return s.service.CreateKey()
		})
		return result, rpcErr, true
	case "keys.delete":
		result, rpcErr := callWithoutParams(mapServiceError, func() (any, error) {
			return s.service.DeleteKey()
		})
		return result, rpcErr, true
	case "keys.exists":
		result, rpcErr := callWithoutParams(mapServiceError, func() (any, error) {
			return s.service.KeyExists()
		})
		return result, rpcErr, true
	default:
		return nil, nil, false
	}
}
