package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// 支持的发布平台
const (
	PlatformYouTube   = "youtube"
	PlatformInstagram = "instagram"
	PlatformX         = "x"
)

// SupportedPlatforms 平台枚举（固定集合）
var SupportedPlatforms = []string{PlatformYouTube, PlatformInstagram, PlatformX}

func IsSupportedPlatform(p string) bool {
	for _, s := range SupportedPlatforms {
		if s == p {
			return true
		}
	}
	return false
}

// StringList 以 JSON 文本落库的有序字符串列表（hashtags / platforms）
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src interface{}) error {
	if src == nil {
		*l = StringList{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported StringList source type %T", src)
	}
}

// Contains 判断列表是否包含指定元素
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}
