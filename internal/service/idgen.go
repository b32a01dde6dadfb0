package service

import (
	"fmt"
	"strings"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

const (
	idAlphabet     = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	idRandomLength = 32
)

// IDGenerator 票据 ID 生成器，格式为 PREFIX-计数-随机串-节点后缀
type IDGenerator struct {
	counter atomic.Uint64
	suffix  string
}

// NewIDGenerator 创建 ID 生成器，suffix 通常为节点标识
func NewIDGenerator(suffix string) *IDGenerator {
	return &IDGenerator{suffix: strings.ReplaceAll(suffix, "-", "_")}
}

// New 生成指定类型的票据 ID
func (g *IDGenerator) New(typ model.TicketType) (string, error) {
	random, err := gonanoid.Generate(idAlphabet, idRandomLength)
	if err != nil {
		return "", fmt.Errorf("生成票据 ID 失败: %w", err)
	}
	id := fmt.Sprintf("%s-%d-%s", typ, g.counter.Add(1), random)
	if g.suffix != "" {
		id += "-" + g.suffix
	}
	return id, nil
}
