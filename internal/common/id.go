package common

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// NewBusinessNo 生成时间有序的业务单号（订单号、订阅号、流水号）
// 毫秒时间戳前缀保证大体有序，随机后缀避免同毫秒冲突。
func NewBusinessNo() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	suffix := binary.BigEndian.Uint32(b[:]) % 1000000
	return fmt.Sprintf("%d%06d", time.Now().UnixMilli(), suffix)
}
