package json

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// RawMessage is a raw encoded JSON value, deferred for later decoding.
type RawMessage = stdjson.RawMessage

var (
	// JSON is the instance of jsoniter.API that should be used throughout the codebase
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal
)
