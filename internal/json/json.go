// Package json 统一项目内的 JSON 编解码入口，底层使用 bytedance/sonic 的标准兼容配置。
package json

import (
	gojson "encoding/json"

	"github.com/bytedance/sonic"
)

var (
	json = sonic.ConfigStd

	Marshal       = json.Marshal
	Unmarshal     = json.Unmarshal
	MarshalIndent = json.MarshalIndent
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
)

type (
	RawMessage = gojson.RawMessage
	Number     = gojson.Number
)
