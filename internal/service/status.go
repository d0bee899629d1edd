package service

import "github.com/d60-Lab/pubqueue/internal/model"

// DeriveStatus 由已完成/已失败平台集合推导队列项状态。
// 纯函数：并发 worker 各自重算也不会产生 last-writer-wins 丢更新。
// 失败后又重放成功的平台按成功算。
func DeriveStatus(requested, posted, failed []string) string {
	postedSet := toSet(posted)
	resolved := 0
	succeeded := 0
	for _, p := range requested {
		if postedSet[p] {
			resolved++
			succeeded++
		}
	}
	failedSet := toSet(failed)
	for _, p := range requested {
		if failedSet[p] && !postedSet[p] {
			resolved++
		}
	}
	if resolved < len(requested) {
		return model.StatusQueued
	}
	switch {
	case succeeded == len(requested):
		return model.StatusPublished
	case succeeded == 0:
		return model.StatusFailed
	default:
		return model.StatusPartiallyPublished
	}
}

func toSet(in []string) map[string]bool {
	m := make(map[string]bool, len(in))
	for _, s := range in {
		m[s] = true
	}
	return m
}
