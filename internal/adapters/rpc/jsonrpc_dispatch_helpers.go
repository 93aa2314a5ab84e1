package rpc

import (
	"encoding/json"
)

var knownMethods = map[string]struct{}{
	"health_check":        {},
	"rpc.version":         {},
	"biometry.available":  {},
	"keys.create":         {},
	"keys.delete":         {},
	"keys.exists":         {},
	"prompt.authenticate": {},
	"prompt.sign":         {},
	"prompt.sign_silent":  {},
	"prompt.result":       {},
	"sensor.status":       {},
	"sensor.enroll":       {},
	"sensor.remove":       {},
	"sensor.clear":        {},
	"sensor.passcode":     {},
	"sensor.hardware":     {},
	"sensor.script":       {},
}

func callWithoutParams(mapErr func(error) *rpcError, call func() (any, error)) (any, *rpcError) {
	result, err := call()
	if err != nil {
		return nil, mapErr(err)
	}
	return result, nil
}

func callWithObjectParams[T any](rawParams json.RawMessage, mapErr func(error) *rpcError, call func(T) (any, error)) (any, *rpcError) {
	var params T
	if err := decodeObjectParams(rawParams, &params); err != nil {
		return nil, rpcInvalidParams()
	}
	result, err := call(params)
	if err != nil {
		return nil, mapErr(err)
	}
	return result, nil
}
