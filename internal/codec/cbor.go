// Package codec 票据与锁记录的 CBOR 编解码
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode 确定性编码，时间按 RFC3339 纳秒精度保存
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// 默认的 Unix 秒会截断过期时间
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR 编码器初始化失败: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR 解码器初始化失败: " + err.Error())
	}
}

// Marshal 编码
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 解码
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
