package utils

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageLength 单条消息允许的最大字符数
const MaxMessageLength = 4096

// 生成随机 ID
func GenerateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// 生成会话 ID
func GenerateSessionID() string {
	return "sess_" + GenerateID()
}

// 验证消息内容
func ValidateMessage(content string) bool {
	n := utf8.RuneCountInString(strings.TrimSpace(content))
	return n > 0 && n <= MaxMessageLength
}
